// Package i18n loads user-facing strings from per-locale TOML files.
//
// The resource directory holds one subdirectory per BCP 47 tag (en-US,
// de, ...). Every *.toml file inside is a flat table of message keys.
package i18n

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
	"golang.org/x/text/language"
)

// NotTranslated is returned for keys missing from every candidate locale.
const NotTranslated = "Not translated"

type Localizer struct {
	fallback language.Tag
	bundles  map[language.Tag]map[string]string
	tags     []language.Tag
	matcher  language.Matcher
	log      *zap.Logger
}

// Load reads every locale under dir. The fallback locale must be present.
func Load(dir, fallback string, log *zap.Logger) (*Localizer, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("i18n")

	fb, err := language.Parse(fallback)
	if err != nil {
		return nil, fmt.Errorf("parse fallback locale %q: %w", fallback, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read locale dir: %w", err)
	}

	l := &Localizer{fallback: fb, bundles: make(map[language.Tag]map[string]string), log: log}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tag, err := language.Parse(e.Name())
		if err != nil {
			return nil, fmt.Errorf("locale dir %q: %w", e.Name(), err)
		}
		bundle, err := loadBundle(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		l.bundles[tag] = bundle
	}
	if _, ok := l.bundles[fb]; !ok {
		return nil, fmt.Errorf("fallback locale %s not found in %s", fb, dir)
	}

	// The fallback goes first so the matcher prefers it on ties.
	l.tags = append(l.tags, fb)
	for tag := range l.bundles {
		if tag != fb {
			l.tags = append(l.tags, tag)
		}
	}
	sort.Slice(l.tags[1:], func(i, j int) bool { return l.tags[i+1].String() < l.tags[j+1].String() })
	l.matcher = language.NewMatcher(l.tags)
	return l, nil
}

func loadBundle(dir string) (map[string]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.toml"))
	if err != nil {
		return nil, err
	}
	bundle := make(map[string]string)
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var messages map[string]string
		if err := toml.Unmarshal(raw, &messages); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for k, v := range messages {
			bundle[k] = strings.TrimSpace(v)
		}
	}
	return bundle, nil
}

// Available lists the loaded locales, fallback first.
func (l *Localizer) Available() []string {
	out := make([]string, 0, len(l.tags))
	for _, t := range l.tags {
		out = append(out, t.String())
	}
	return out
}

// Fallback returns the default locale.
func (l *Localizer) Fallback() string { return l.fallback.String() }

// Localize returns the message for key in the closest available locale,
// falling back to the default locale and finally to NotTranslated.
func (l *Localizer) Localize(locale, key string) string {
	tag := l.resolve(locale)
	if msg, ok := l.bundles[tag][key]; ok {
		return msg
	}
	if msg, ok := l.bundles[l.fallback][key]; ok {
		l.log.Warn("message missing in locale, using fallback", zap.String("key", key), zap.String("locale", tag.String()))
		return msg
	}
	l.log.Error("message not translated", zap.String("key", key), zap.String("locale", tag.String()))
	return NotTranslated
}

func (l *Localizer) resolve(locale string) language.Tag {
	tag, err := language.Parse(locale)
	if err != nil {
		return l.fallback
	}
	if _, ok := l.bundles[tag]; ok {
		return tag
	}
	_, idx, conf := l.matcher.Match(tag)
	if conf == language.No {
		return l.fallback
	}
	return l.tags[idx]
}
