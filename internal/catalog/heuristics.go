package catalog

import "strings"

var driveDomains = map[string]bool{
	"googledrive":  true,
	"google_drive": true,
	"google-drive": true,
	"gdrive":       true,
}

// RequiresExternalDrive reports whether an example needs a live cloud drive
// account: a drive domain, a drive setup step, or a drive URL anywhere in the
// step parameters.
func RequiresExternalDrive(domain string, cfg map[string]any) bool {
	if driveDomains[strings.ToLower(domain)] {
		return true
	}
	for _, step := range steps(cfg) {
		typ := strings.ToLower(stepType(step))
		if strings.Contains(typ, "googledrive") || typ == "gdrive" || typ == "google_drive" {
			return true
		}
		if mentionsDrive(step["parameters"]) {
			return true
		}
	}
	return false
}

// RequiresProxy reports whether an example needs the network proxy.
func RequiresProxy(cfg map[string]any) bool {
	if v, ok := cfg["proxy"].(bool); ok && v {
		return true
	}
	for _, step := range steps(cfg) {
		if strings.Contains(strings.ToLower(stepType(step)), "proxy") {
			return true
		}
	}
	return false
}

// steps returns the setup and config step lists of an example.
func steps(cfg map[string]any) []map[string]any {
	var out []map[string]any
	for _, key := range []string{"setup", "config"} {
		list, _ := cfg[key].([]any)
		for _, item := range list {
			if step, ok := item.(map[string]any); ok {
				out = append(out, step)
			}
		}
	}
	return out
}

func stepType(step map[string]any) string {
	s, _ := step["type"].(string)
	return s
}

func mentionsDrive(v any) bool {
	switch t := v.(type) {
	case string:
		s := strings.ToLower(t)
		return strings.Contains(s, "drive.google.com") || strings.Contains(s, "docs.google.com/drive")
	case []any:
		for _, item := range t {
			if mentionsDrive(item) {
				return true
			}
		}
	case map[string]any:
		for _, item := range t {
			if mentionsDrive(item) {
				return true
			}
		}
	}
	return false
}
