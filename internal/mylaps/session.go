package mylaps

import (
	"sort"
	"strings"
	"time"

	"github.com/danmuck/racefwd/internal/forwarder"
	"github.com/danmuck/racefwd/internal/observability"
	"github.com/danmuck/racefwd/internal/protocol/frame"
	"github.com/danmuck/racefwd/internal/protocol/session"
	"github.com/danmuck/racefwd/internal/timing"
	"github.com/rs/zerolog"
)

type Config struct {
	ChipPrefix string
	Session    session.Config
	Now        func() time.Time
}

func DefaultConfig() Config {
	return Config{
		ChipPrefix: timing.MyLapsPrefix,
		Session:    session.DefaultConfig(),
		Now:        time.Now,
	}
}

func (c Config) withDefaults() Config {
	if c.ChipPrefix == "" {
		c.ChipPrefix = timing.MyLapsPrefix
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Session = c.Session.WithDefaults()
	return c
}

func NewProtocol(cfg Config) forwarder.Protocol {
	cfg = cfg.withDefaults()
	return forwarder.Protocol{
		Name:          Name,
		Terminator:    Terminator,
		MaxFrameDelay: cfg.Session.FrameMaxDelay,
		NewSession: func(c *forwarder.Conn) forwarder.Session {
			return newSession(c, cfg)
		},
	}
}

// Location is one timing point reported by the exporter.
type Location struct {
	Name         string            `json:"name"`
	LocationName string            `json:"locationName,omitempty"`
	ID           string            `json:"id,omitempty"`
	MAC          string            `json:"mac,omitempty"`
	ComputerName string            `json:"computerName"`
	LastSeen     *time.Time        `json:"lastSeen"`
	Devices      map[string]Fields `json:"devices"`
}

func (l *Location) clone() Location {
	out := *l
	if l.LastSeen != nil {
		seen := *l.LastSeen
		out.LastSeen = &seen
	}
	out.Devices = make(map[string]Fields, len(l.Devices))
	for id, d := range l.Devices {
		cp := make(Fields, len(d))
		for k, v := range d {
			cp[k] = v
		}
		out.Devices[id] = cp
	}
	return out
}

type Meta struct {
	Name              string     `json:"name"`
	Version           string     `json:"version"`
	ClientRespondedAt time.Time  `json:"clientRespondedAt"`
	Locations         []Location `json:"locations"`
}

// Session is the per-connection MyLaps state machine.
type Session struct {
	conn        *forwarder.Conn
	cfg         Config
	logger      zerolog.Logger
	name        string
	version     string
	respondedAt time.Time
	locations   map[string]*Location
}

func newSession(c *forwarder.Conn, cfg Config) *Session {
	return &Session{
		conn:        c,
		cfg:         cfg,
		logger:      c.Logger(),
		version:     "v1.0",
		respondedAt: cfg.Now(),
		locations:   make(map[string]*Location),
	}
}

func (s *Session) Open() {
	s.conn.Every(timerKeepAlive, s.cfg.Session.KeepAliveInterval, func() {
		s.send(FnPing)
	})
}

func (s *Session) Close() {}

func (s *Session) Describe() forwarder.Details {
	locs := s.sortedLocations()
	meta := Meta{
		Name:              s.name,
		Version:           s.version,
		ClientRespondedAt: s.respondedAt,
		Locations:         make([]Location, 0, len(locs)),
	}
	for _, l := range locs {
		meta.Locations = append(meta.Locations, l.clone())
	}
	return forwarder.Details{Meta: meta, Locations: meta.Locations}
}

func (s *Session) sortedLocations() []*Location {
	out := make([]*Location, 0, len(s.locations))
	for _, l := range s.locations {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// send writes ServerName@fn@args...@ as one frame.
func (s *Session) send(fn string, args ...string) {
	parts := append([]string{ServerName, fn}, args...)
	_ = s.conn.Send(strings.Join(parts, Separator) + Separator)
}

// location returns the record for name, creating it on first sight.
func (s *Session) location(name string) *Location {
	l, ok := s.locations[name]
	if !ok {
		l = &Location{Name: name, Devices: make(map[string]Fields)}
		s.locations[name] = l
		s.logger.Info().Str("location", name).Msg("location discovered")
	}
	return l
}

func (s *Session) touch(name string) *Location {
	l := s.location(name)
	now := s.cfg.Now()
	l.LastSeen = &now
	return l
}

// HandleFrame dispatches source@Function@payload...[@msgNr]@.
func (s *Session) HandleFrame(raw string) {
	frameText := string(frame.StripBytes([]byte(raw), 0x00, '\r', '\n'))
	if frameText == "" {
		return
	}
	s.logger.Debug().Str("frame", frameText).Msg("frame received")
	parts := strings.Split(frameText, Separator)
	if parts[len(parts)-1] == "" {
		parts = parts[:len(parts)-1]
	}
	if len(parts) < 2 {
		s.logger.Warn().Str("frame", frameText).Msg("telegram without function, dropped")
		return
	}
	source, fn, rest := parts[0], parts[1], parts[2:]

	switch fn {
	case FnPong:
		s.handleHello(source, rest)
	case FnPing:
		s.respondedAt = s.cfg.Now()
		s.send(FnAckPing)
	case FnAckPing, FnAckPong:
		s.respondedAt = s.cfg.Now()
	case FnGetLocations, FnAckGetLocations:
		s.handleLocations(rest)
	case FnGetInfo:
		for _, l := range s.sortedLocations() {
			s.send(FnAckGetInfo, l.Name, l.ID, l.ComputerName)
		}
	case FnAckGetInfo:
		s.handleInfo(source, rest)
	case FnDeviceUpdate:
		payload, msgNr := splitMessageNumber(rest)
		s.handleDevices(source, payload)
		s.send(FnAckDeviceUpdate, msgNr...)
	case FnPassing:
		payload, msgNr := splitMessageNumber(rest)
		s.handlePassings(source, payload)
		s.send(FnAckPassing, msgNr...)
	case FnMarker:
		payload, msgNr := splitMessageNumber(rest)
		s.handleMarkers(source, payload)
		s.send(FnAckMarker, msgNr...)
	default:
		s.logger.Warn().Str("function", fn).Str("source", source).Msg("unknown telegram function, dropped")
	}
}

// splitMessageNumber separates the trailing message number when the
// telegram carries payload and a number.
func splitMessageNumber(rest []string) ([]string, []string) {
	if len(rest) < 2 {
		return rest, nil
	}
	last := rest[len(rest)-1]
	if isKeyValue(last) || len(strings.TrimSpace(last)) > legacyMinLength {
		return rest, nil
	}
	return rest[:len(rest)-1], []string{last}
}

func (s *Session) handleHello(source string, rest []string) {
	s.conn.SetIdentified(true)
	s.name = source
	if len(rest) > 0 && rest[0] != "" {
		s.version = rest[0]
	}
	s.respondedAt = s.cfg.Now()
	s.logger.Info().Str("client", source).Str("version", s.version).Msg("client identified")
	s.send(FnAckPong, ServerVersion)
	s.send(FnGetLocations)
	s.send(FnGetInfo)
}

// handleLocations registers loc= entries. A request without entries is
// answered with the known locations.
func (s *Session) handleLocations(rest []string) {
	registered := false
	for _, part := range rest {
		key, value, ok := strings.Cut(part, "=")
		if !ok || key != locationParam || value == "" {
			continue
		}
		s.location(value)
		registered = true
	}
	if registered {
		return
	}
	args := make([]string, 0, len(s.locations))
	for _, l := range s.sortedLocations() {
		args = append(args, locationParam+"="+l.Name)
	}
	s.send(FnAckGetLocations, args...)
}

// handleInfo applies locationName@id@computerName[@mac] to the record of the
// telegram source, the key passings and device updates use as well.
// locationName is kept as the exporter's display name.
func (s *Session) handleInfo(source string, rest []string) {
	key := source
	if key == "" && len(rest) > 0 {
		key = rest[0]
	}
	if key == "" {
		s.logger.Warn().Strs("parts", rest).Msg("location info without source, dropped")
		return
	}
	l := s.touch(key)
	if len(rest) > 0 && rest[0] != "" {
		l.LocationName = rest[0]
	}
	if len(rest) > 1 && rest[1] != "" && rest[1] != "Unknown" {
		l.ID = rest[1]
	}
	if len(rest) > 2 {
		l.ComputerName = rest[2]
	}
	if len(rest) > 3 && rest[3] != "" {
		l.MAC = rest[3]
	}
}

func (s *Session) handleDevices(source string, payload []string) {
	l := s.touch(source)
	for _, raw := range payload {
		d, err := ParseDevice(raw, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Str("device", raw).Msg("device update dropped")
			continue
		}
		if prev, ok := l.Devices[d["deviceId"]]; ok {
			for k, v := range d {
				prev[k] = v
			}
			continue
		}
		l.Devices[d["deviceId"]] = d
	}
}

func (s *Session) handlePassings(source string, payload []string) {
	s.touch(source)
	for _, raw := range payload {
		var (
			read timing.Read
			err  error
		)
		if isKeyValue(raw) {
			read, err = PassingToRead(source, raw, s.cfg.ChipPrefix, s.logger)
		} else {
			read, err = LegacyPassingToRead(source, raw, s.cfg.ChipPrefix)
		}
		if err != nil {
			observability.RecordReadDropped(Name, "malformed")
			s.logger.Warn().Err(err).Str("passing", raw).Msg("passing dropped")
			continue
		}
		s.conn.Submit(read)
	}
}

func (s *Session) handleMarkers(source string, payload []string) {
	s.touch(source)
	for _, raw := range payload {
		read, err := MarkerToRead(source, raw, s.cfg.Now(), s.logger)
		if err != nil {
			observability.RecordReadDropped(Name, "malformed")
			s.logger.Warn().Err(err).Str("marker", raw).Msg("marker dropped")
			continue
		}
		s.conn.Submit(read)
	}
}
