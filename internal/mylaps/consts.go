package mylaps

const (
	Name       = "mylaps"
	Terminator = "$"
	Separator  = "@"
	ServerName = "MyLaps2RMForwarder"

	// ServerVersion is announced in AckPong.
	ServerVersion = "Version2.1"

	locationParam  = "loc"
	timerKeepAlive = "keepalive"
)

// Telegram functions.
const (
	FnPing            = "Ping"
	FnAckPing         = "AckPing"
	FnPong            = "Pong"
	FnAckPong         = "AckPong"
	FnGetLocations    = "GetLocations"
	FnAckGetLocations = "AckGetLocations"
	FnGetInfo         = "GetInfo"
	FnAckGetInfo      = "AckGetInfo"
	FnDeviceUpdate    = "DeviceUpdate"
	FnAckDeviceUpdate = "AckDeviceUpdate"
	FnPassing         = "Passing"
	FnAckPassing      = "AckPassing"
	FnMarker          = "Marker"
	FnAckMarker       = "AckMarker"
)

// passingKeys maps passing short keys to field names.
var passingKeys = map[string]string{
	"c":   "chipCode",
	"ct":  "chipType",
	"d":   "date",
	"l":   "lapNumber",
	"dv":  "deviceNumber",
	"re":  "readerNumber",
	"an":  "antennaNumber",
	"g":   "groupId",
	"b":   "bibNumber",
	"n":   "bibText",
	"t":   "time",
	"ut":  "unixTime",
	"utc": "utcTime",
	"h":   "hitCount",
	"ts":  "timeSource",
	"bid": "batchId",
	"am":  "amplitude",
	"amd": "amplitudeDbm",
	"dm":  "macAddress",
	"ans": "strongestAntenna",
	"ana": "averageAntenna",
}

var deviceKeys = map[string]string{
	"id":    "deviceId",
	"n":     "deviceName",
	"dt":    "deviceType",
	"nr":    "deviceNumber",
	"mac":   "deviceMac",
	"bat":   "batteryLevel",
	"tbsc":  "timeBetweenSameChip",
	"prof":  "profile",
	"ant":   "antennaCount",
	"fwv":   "firmwareVersion",
	"bvol":  "beeperVolume",
	"btyp":  "beepType",
	"cont":  "continuousMode",
	"gho":   "gunHoldoff",
	"ex1ho": "ext1Holdoff",
	"ex2ho": "ext2Holdoff",
	"temp":  "temperature",
	"dst":   "daylightSavingsTime",
	"gpsc":  "gpsSatelliteCount",
	"gpsx":  "gpsLongitude",
	"gpsy":  "gpsLatitude",
	"tz":    "timezone",
}

var markerKeys = map[string]string{
	"mt": "markerType",
	"t":  "time",
	"n":  "markerName",
}
