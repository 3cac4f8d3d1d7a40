package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/ini.v1"

	"github.com/redphone/redphoned/internal/presence"
	"github.com/redphone/redphoned/internal/quiethours"
)

// Settings is the appliance configuration parsed from the INI settings file.
// A Settings value is immutable once loaded; reloads swap the whole value
// atomically through a Store.
type Settings struct {
	// [phone]
	PhoneName string
	Hostname  string
	Extension int

	// [discovery]
	LocalBroadcast   bool
	VPNBroadcast     bool
	VPNBroadcastAddr string
	UDPPort          int
	AnnounceInterval time.Duration
	Directory        bool
	DirectoryTag     string
	PollInterval     time.Duration
	StaleAfter       time.Duration
	EvictAfter       time.Duration
	SweepInterval    time.Duration

	// [quiet_hours]
	QuietHours quiethours.Window

	// [asterisk]
	AMIAddr   string
	AMIUser   string
	AMISecret string

	// [gpio]
	GPIOEnabled    bool
	GPIOValuePath  string
	GPIOHighOnLift bool

	// [admin]
	AdminEnabled      bool
	AdminPasswordHash string // bcrypt
	AdminJWTSecret    string
}

// Identity derives this phone's stable peer identity.
func (s *Settings) Identity() presence.Identity {
	return presence.NewIdentity(s.Hostname, s.Extension)
}

// LoadSettings reads and validates the settings file.
func LoadSettings(path string) (*Settings, error) {
	file, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, path)
	if err != nil {
		return nil, fmt.Errorf("loading settings file: %w", err)
	}
	return parseSettings(file)
}

// ParseSettings parses and validates settings from INI file contents. Used
// by the admin API to validate an uploaded settings file before it replaces
// the one on disk.
func ParseSettings(data []byte) (*Settings, error) {
	file, err := ini.LoadSources(ini.LoadOptions{Insensitive: true}, data)
	if err != nil {
		return nil, fmt.Errorf("parsing settings: %w", err)
	}
	return parseSettings(file)
}

func parseSettings(file *ini.File) (*Settings, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "redphone"
	}

	s := &Settings{}

	phone := file.Section("phone")
	s.PhoneName = phone.Key("name").MustString("Red Phone")
	s.Hostname = phone.Key("hostname").MustString(hostname)
	s.Extension = phone.Key("extension").MustInt(100)

	disc := file.Section("discovery")
	s.LocalBroadcast = disc.Key("local_broadcast").MustBool(true)
	s.VPNBroadcast = disc.Key("vpn_broadcast").MustBool(false)
	s.VPNBroadcastAddr = disc.Key("vpn_broadcast_addr").MustString("")
	s.UDPPort = disc.Key("udp_port").MustInt(5199)
	s.AnnounceInterval = secondsKey(disc, "announce_interval", 30)
	s.Directory = disc.Key("directory").MustBool(true)
	s.DirectoryTag = disc.Key("directory_tag").MustString("redphone")
	s.PollInterval = secondsKey(disc, "poll_interval", 30)
	s.StaleAfter = secondsKey(disc, "stale_after", 120)
	s.EvictAfter = secondsKey(disc, "evict_after", 1200)
	s.SweepInterval = secondsKey(disc, "sweep_interval", 15)

	quiet := file.Section("quiet_hours")
	s.QuietHours.Enabled = quiet.Key("enabled").MustBool(false)
	s.QuietHours.Timezone = quiet.Key("timezone").MustString("UTC")
	start, err := quiethours.ParseClock(quiet.Key("start").MustString("22:00"))
	if err != nil {
		return nil, fmt.Errorf("quiet_hours.start: %w", err)
	}
	end, err := quiethours.ParseClock(quiet.Key("end").MustString("08:00"))
	if err != nil {
		return nil, fmt.Errorf("quiet_hours.end: %w", err)
	}
	s.QuietHours.Start = start
	s.QuietHours.End = end

	ast := file.Section("asterisk")
	s.AMIAddr = ast.Key("ami_addr").MustString("127.0.0.1:5038")
	s.AMIUser = ast.Key("ami_user").MustString("redphone")
	s.AMISecret = ast.Key("ami_secret").MustString("redphone")

	gpio := file.Section("gpio")
	s.GPIOEnabled = gpio.Key("enabled").MustBool(false)
	s.GPIOValuePath = gpio.Key("value_path").MustString("/sys/class/gpio/gpio17/value")
	s.GPIOHighOnLift = gpio.Key("high_on_lift").MustBool(true)

	admin := file.Section("admin")
	s.AdminEnabled = admin.Key("enabled").MustBool(false)
	s.AdminPasswordHash = admin.Key("password_hash").MustString("")
	s.AdminJWTSecret = admin.Key("jwt_secret").MustString("")

	if err := s.validate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Settings) validate() error {
	if s.Extension < 1 {
		return fmt.Errorf("phone.extension must be positive, got %d", s.Extension)
	}
	if s.UDPPort < 1 || s.UDPPort > 65535 {
		return fmt.Errorf("discovery.udp_port %d out of range", s.UDPPort)
	}
	if s.VPNBroadcast && s.VPNBroadcastAddr == "" {
		return fmt.Errorf("discovery.vpn_broadcast enabled without vpn_broadcast_addr")
	}
	if s.StaleAfter >= s.EvictAfter {
		return fmt.Errorf("discovery.stale_after must be below evict_after")
	}
	if s.AdminEnabled && s.AdminPasswordHash == "" {
		return fmt.Errorf("admin.enabled requires admin.password_hash")
	}
	return nil
}

func secondsKey(section *ini.Section, name string, def int) time.Duration {
	return time.Duration(section.Key(name).MustInt(def)) * time.Second
}
