// Package mylaps implements the MyLaps exporter protocol: `$` framed,
// `@` separated telegrams with `key=value|...` payloads and a legacy
// fixed-width passing format.
package mylaps
