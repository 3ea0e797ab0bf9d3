package chronotrack

import (
	"strconv"
	"strings"
	"time"

	"github.com/danmuck/racefwd/internal/forwarder"
	"github.com/danmuck/racefwd/internal/observability"
	"github.com/danmuck/racefwd/internal/protocol/session"
	"github.com/danmuck/racefwd/internal/timing"
	"github.com/rs/zerolog"
)

// Config shapes every ChronoTrack session of one forwarder.
type Config struct {
	Version             string
	ChipPrefix          string
	TimeFormat          TimeFormat
	TimezoneOffsetHours float64
	Session             session.Config
	// Traffic receives one entry per frame in both directions.
	Traffic zerolog.Logger
	Now     func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Version:    "dev",
		ChipPrefix: timing.ChronoTrackPrefix,
		TimeFormat: TimeFormatISO,
		Session:    session.DefaultConfig(),
		Traffic:    zerolog.Nop(),
		Now:        time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Version == "" {
		c.Version = def.Version
	}
	if c.ChipPrefix == "" {
		c.ChipPrefix = def.ChipPrefix
	}
	if c.TimeFormat == "" {
		c.TimeFormat = def.TimeFormat
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	c.Session = c.Session.WithDefaults()
	return c
}

// NewProtocol binds ChronoTrack sessions to the forwarder machinery.
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

type Event struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Meta is the client metadata reported in snapshots.
type Meta struct {
	Name              string    `json:"name"`
	Version           string    `json:"version"`
	Protocol          string    `json:"protocol"`
	ClientRespondedAt time.Time `json:"clientRespondedAt"`
	ConnectionID      string    `json:"connectionId,omitempty"`
	Event             *Event    `json:"event,omitempty"`
	Locations         []string  `json:"locations"`
}

// Session is the per-connection ChronoTrack state machine.
type Session struct {
	conn    *forwarder.Conn
	cfg     Config
	logger  zerolog.Logger
	meta    Meta
	retries map[string]int
}

func newSession(c *forwarder.Conn, cfg Config) *Session {
	return &Session{
		conn:    c,
		cfg:     cfg,
		logger:  c.Logger(),
		meta:    Meta{Protocol: "Unknown", ClientRespondedAt: cfg.Now(), Locations: []string{}},
		retries: make(map[string]int),
	}
}

func (s *Session) Open() {
	s.conn.Every(timerKeepAlive, s.cfg.Session.KeepAliveInterval, func() {
		s.send(CmdPing)
	})
}

func (s *Session) Close() {
	clear(s.retries)
}

func (s *Session) Describe() forwarder.Details {
	meta := s.meta
	meta.Locations = append([]string{}, s.meta.Locations...)
	if s.meta.Event != nil {
		ev := *s.meta.Event
		meta.Event = &ev
	}
	return forwarder.Details{Meta: meta, Locations: meta.Locations}
}

func (s *Session) send(frame string) {
	s.cfg.Traffic.Log().Str("conn_id", s.conn.ID()).Str("dir", "to").Str("frame", frame).Send()
	_ = s.conn.Send(frame)
}

func (s *Session) HandleFrame(frame string) {
	s.cfg.Traffic.Log().Str("conn_id", s.conn.ID()).Str("dir", "from").Str("frame", frame).Send()
	s.logger.Debug().Str("frame", frame).Msg("frame received")
	parts := strings.Split(frame, Separator)
	if !s.conn.Identified() {
		s.handleWelcome(parts)
		return
	}
	s.handleMessage(parts)
}

func (s *Session) handleWelcome(parts []string) {
	if len(parts) != 3 || !acceptedClients[parts[0]] {
		return
	}
	s.conn.SetIdentified(true)
	s.meta = Meta{
		Name:              parts[0],
		Version:           parts[1],
		Protocol:          parts[2],
		ClientRespondedAt: s.cfg.Now(),
		Locations:         []string{},
	}
	s.logger.Info().
		Str("client", parts[0]).
		Str("version", parts[1]).
		Str("client_protocol", parts[2]).
		Msg("client identified")

	feats := features(s.cfg.TimeFormat)
	s.send(ServerName + Separator + s.cfg.Version + Separator + strconv.Itoa(len(feats)))
	for _, f := range feats {
		s.send(f.key + "=" + f.value)
	}
	s.send(CmdGetConnectionID)
	s.send(CmdGetEventInfo)
	s.send(CmdGetLocations)
	s.send(CmdAuthorize)
}

func (s *Session) handleMessage(parts []string) {
	if s.meta.Protocol != SupportedProtocol {
		s.logger.Warn().Str("client_protocol", s.meta.Protocol).Msg("unsupported client protocol, frame dropped")
		return
	}
	if len(parts) > 1 && parts[1] == CmdGetLocations {
		if len(s.meta.Locations) == 0 {
			s.send(CmdStart)
		}
		s.mergeLocations(parts[2:])
		return
	}
	switch len(parts) {
	case 2:
		if parts[0] == CmdAck && parts[1] == CmdPing {
			s.meta.ClientRespondedAt = s.cfg.Now()
		}
	case 3:
		if parts[0] == CmdAck && parts[1] == CmdGetConnectionID {
			s.meta.ClientRespondedAt = s.cfg.Now()
			s.meta.ConnectionID = parts[2]
		}
	case 5:
		if parts[0] == CmdAck && parts[1] == CmdGetEventInfo {
			s.meta.ClientRespondedAt = s.cfg.Now()
			s.meta.Event = &Event{ID: parts[3], Name: parts[2], Description: parts[4]}
		}
	case 8:
		s.handleTelegram(parts)
	default:
		s.logger.Warn().Strs("parts", parts).Msg("frame with unrecognized part count")
	}
}

// mergeLocations adds unseen names in order. Known names are never removed.
func (s *Session) mergeLocations(names []string) {
	for _, name := range names {
		if name == "" {
			continue
		}
		known := false
		for _, have := range s.meta.Locations {
			if have == name {
				known = true
				break
			}
		}
		if !known {
			s.meta.Locations = append(s.meta.Locations, name)
		}
	}
}

func (s *Session) handleTelegram(parts []string) {
	switch parts[0] {
	case SubProtocolPassing:
		s.forward(parts)
	case SubProtocolEvent:
		switch parts[3] {
		case CmdNewLocation:
			s.handleNewLocation(parts[2])
		case CmdGuntime:
			observability.RecordReadDropped(Name, "guntime")
			s.logger.Warn().Strs("parts", parts).Msg("guntime received, dropped")
		default:
			s.forward(parts)
		}
	default:
		observability.RecordReadDropped(Name, "unsupported")
		s.logger.Warn().Str("sub_protocol", parts[0]).Msg("unsupported telegram, dropped")
	}
}

// handleNewLocation re-requests locations and keeps asking the client to
// start transmitting from location every retrigger interval.
func (s *Session) handleNewLocation(location string) {
	s.logger.Info().Str("location", location).Msg("new location announced")
	s.send(CmdGetLocations)
	key := timerStartPrefix + location
	s.retries[key] = 0
	limit := s.cfg.Session.StartRetriggerLimit
	s.conn.Every(key, s.cfg.Session.StartRetriggerInterval, func() {
		s.send(CmdStart + Separator + location)
		s.retries[key]++
		if limit > 0 && s.retries[key] >= limit {
			s.conn.Cancel(key)
			delete(s.retries, key)
		}
	})
}

func (s *Session) forward(parts []string) {
	read, err := s.toRead(parts)
	if err != nil {
		observability.RecordReadDropped(Name, "bad_timestamp")
		s.logger.Warn().Err(err).Strs("parts", parts).Msg("telegram dropped")
		return
	}
	s.conn.Submit(read)
}

// toRead normalizes an 8-part passing telegram:
// id~line~location~tag~time~occurrence~readerMAC~antenna.
func (s *Session) toRead(parts []string) (timing.Read, error) {
	at, err := ParseTime(s.cfg.TimeFormat, parts[4], s.cfg.Now(), s.cfg.TimezoneOffsetHours)
	if err != nil {
		return timing.Read{}, err
	}
	return timing.NewRead(timing.Prefix(s.cfg.ChipPrefix, parts[3]), parts[6], parts[2], at), nil
}

// ParseTime reads a telegram time in the negotiated format. now supplies the
// calendar day for the normal format.
func ParseTime(tf TimeFormat, value string, now time.Time, offsetHours float64) (time.Time, error) {
	switch tf {
	case TimeFormatNormal:
		return timing.ParseTimeOfDay(value, now, offsetHours)
	case TimeFormatUnix:
		return timing.ParseUnix(value)
	default:
		return timing.ParseISOLocal(value)
	}
}
