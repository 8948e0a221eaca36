// Package user_agent classifies user agent strings into an operating system,
// a device form factor and a bot flag using PCRE rules from embedded YAML files.
package user_agent

import (
	"embed"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"go.elara.ws/pcre"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Device form factors stored in the device rollup.
const (
	DeviceMobile  = "MOBILE"
	DeviceTablet  = "TABLET"
	DeviceDesktop = "DESKTOP"
)

// UnknownOS is reported when no rule matches.
const UnknownOS = "Unknown"

type UserAgent struct {
	UserAgent string
	OS        string
	OSVersion string
	Device    string
	Bot       bool
	BotName   string
}

//go:embed rules/bots.yml rules/oss.yml rules/devices.yml
var ruleFiles embed.FS

// OSEntry maps a regex to an operating system name.
type OSEntry struct {
	Regex   string `yaml:"regex"`
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// DeviceEntry maps a regex to a raw device type such as "tablet" or "smartphone".
type DeviceEntry struct {
	Regex  string `yaml:"regex"`
	Device string `yaml:"device"`
}

// BotEntry maps a regex to a bot name.
type BotEntry struct {
	Regex    string `yaml:"regex"`
	Name     string `yaml:"name"`
	Category string `yaml:"category"`
}

// RegexCache compiles each pattern once.
type RegexCache struct {
	compiled map[string]*pcre.Regexp
	mutex    sync.RWMutex
}

func newRegexCache() *RegexCache {
	return &RegexCache{
		compiled: make(map[string]*pcre.Regexp),
	}
}

func (rc *RegexCache) get(pattern string) (*pcre.Regexp, error) {
	rc.mutex.RLock()
	if regex, exists := rc.compiled[pattern]; exists {
		rc.mutex.RUnlock()
		return regex, nil
	}
	rc.mutex.RUnlock()

	rc.mutex.Lock()
	defer rc.mutex.Unlock()

	if regex, exists := rc.compiled[pattern]; exists {
		return regex, nil
	}

	// Rules are matched case-insensitively.
	regex, err := pcre.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	rc.compiled[pattern] = regex
	return regex, nil
}

var (
	parser *Parser
	once   sync.Once
)

// Parser holds the loaded rule sets.
type Parser struct {
	oss        []OSEntry
	devices    []DeviceEntry
	bots       []BotEntry
	regexCache *RegexCache
}

func loadRules(name string, out any) {
	data, err := ruleFiles.ReadFile(name)
	if err != nil {
		slog.Error("user_agent: missing rule file", slog.String("file", name), slog.Any("error", err))
		return
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		slog.Error("user_agent: invalid rule file", slog.String("file", name), slog.Any("error", err))
	}
}

func getParser() *Parser {
	once.Do(func() {
		parser = &Parser{
			regexCache: newRegexCache(),
		}
		loadRules("rules/bots.yml", &parser.bots)
		loadRules("rules/oss.yml", &parser.oss)
		loadRules("rules/devices.yml", &parser.devices)
	})
	return parser
}

// expand replaces $1, $2, ... in template with the capture groups of matches.
func expand(template string, matches []string) string {
	if template == "" || len(matches) < 2 {
		return template
	}
	for i := len(matches) - 1; i >= 1; i-- {
		template = strings.ReplaceAll(template, "$"+strconv.Itoa(i), matches[i])
	}
	return template
}

func (p *Parser) parseBot(userAgent string) *BotEntry {
	for i := range p.bots {
		bot := &p.bots[i]
		if regex, err := p.regexCache.get(bot.Regex); err == nil && regex.MatchString(userAgent) {
			return bot
		}
	}
	return nil
}

func (p *Parser) parseOS(userAgent string) (string, string) {
	for _, entry := range p.oss {
		regex, err := p.regexCache.get(entry.Regex)
		if err != nil {
			continue
		}
		matches := regex.FindStringSubmatch(userAgent)
		if len(matches) == 0 {
			continue
		}

		name := expand(entry.Name, matches)
		if name == "" || strings.HasPrefix(name, "$") {
			continue
		}
		// Names captured from the user agent may arrive lowercased ("ubuntu").
		if name == strings.ToLower(name) {
			name = cases.Title(language.AmericanEnglish).String(name)
		}
		version := strings.ReplaceAll(expand(entry.Version, matches), "_", ".")
		if strings.HasPrefix(version, "$") {
			version = ""
		}
		return name, version
	}
	return UnknownOS, ""
}

func (p *Parser) parseDevice(userAgent string) string {
	for _, entry := range p.devices {
		regex, err := p.regexCache.get(entry.Regex)
		if err != nil || !regex.MatchString(userAgent) {
			continue
		}
		switch entry.Device {
		case "tablet":
			return DeviceTablet
		case "smartphone", "feature phone", "phablet":
			return DeviceMobile
		default:
			return DeviceDesktop
		}
	}
	return DeviceDesktop
}

// ParseUserAgent classifies userAgent. An empty or unrecognised string yields
// DeviceDesktop and UnknownOS.
func ParseUserAgent(userAgent string) UserAgent {
	result := UserAgent{
		UserAgent: userAgent,
		OS:        UnknownOS,
		Device:    DeviceDesktop,
	}
	if strings.TrimSpace(userAgent) == "" {
		return result
	}

	p := getParser()

	if bot := p.parseBot(userAgent); bot != nil {
		result.Bot = true
		result.BotName = bot.Name
	}

	result.OS, result.OSVersion = p.parseOS(userAgent)
	result.Device = p.parseDevice(userAgent)
	return result
}
