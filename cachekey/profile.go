package cachekey

import (
	"bufio"
	"strings"
)

// ParseProfile extracts settings from a Conan profile document. Entries in
// the [settings] section become "settings.<name>" and entries in [options]
// become "options.<name>", so they line up with binary include lists such as
// "settings.os" or "options.fips".
func ParseProfile(content string) []Setting {
	var (
		settings []Setting
		section  string
	)

	scanner := bufio.NewScanner(strings.NewReader(content))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			section = strings.Trim(line, "[]")
			continue
		}
		if section != "settings" && section != "options" {
			continue
		}

		name, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		settings = append(settings, Setting{
			Name:  section + "." + strings.TrimSpace(name),
			Value: strings.TrimSpace(value),
		})
	}
	return settings
}

// SettingsMap converts settings to a map. Later duplicates win.
func SettingsMap(settings []Setting) map[string]string {
	m := make(map[string]string, len(settings))
	for _, s := range settings {
		m[s.Name] = s.Value
	}
	return m
}
