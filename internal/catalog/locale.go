package catalog

import (
	"os"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// Fallback languages tried, in order, after every preference is exhausted.
const (
	FallbackLanguage     = "English"
	FallbackLanguageCode = "en"
)

// Resolver picks one of the available distribution languages, or returns
// "" when it has no opinion.
type Resolver interface {
	Resolve(available []string) string
}

// PreferenceList resolves to the first listed language that is available.
type PreferenceList []string

func (p PreferenceList) Resolve(available []string) string {
	for _, want := range p {
		for _, have := range available {
			if have == want {
				return have
			}
		}
	}
	return ""
}

// namedLanguages are the English language names catalogs use as
// distribution keys alongside BCP 47 codes.
var namedLanguages = []language.Tag{
	language.English,
	language.French,
	language.German,
	language.Japanese,
	language.Spanish,
	language.Italian,
	language.Dutch,
	language.Portuguese,
	language.Swedish,
	language.Danish,
	language.Finnish,
	language.Norwegian,
	language.Korean,
	language.Russian,
	language.Polish,
	language.Chinese,
}

// EnvLocale resolves using the process locale from LC_ALL, LC_MESSAGES
// and LANG.
type EnvLocale struct {
	// Lookup reads one environment variable. Nil means os.LookupEnv.
	Lookup func(key string) (string, bool)
}

// Tag returns the platform locale, or false when none is set or it is the
// C/POSIX locale.
func (e EnvLocale) Tag() (language.Tag, bool) {
	lookup := e.Lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	for _, key := range []string{"LC_ALL", "LC_MESSAGES", "LANG"} {
		v, ok := lookup(key)
		if !ok || v == "" {
			continue
		}
		if i := strings.IndexAny(v, ".@"); i >= 0 {
			v = v[:i]
		}
		if v == "C" || v == "POSIX" {
			return language.Und, false
		}
		tag, err := language.Parse(strings.ReplaceAll(v, "_", "-"))
		if err != nil {
			return language.Und, false
		}
		return tag, true
	}
	return language.Und, false
}

func (e EnvLocale) Resolve(available []string) string {
	want, ok := e.Tag()
	if !ok {
		return ""
	}

	keys := append([]string(nil), available...)
	sort.Strings(keys)
	var (
		supported []language.Tag
		names     []string
	)
	for _, key := range keys {
		tag, ok := languageTag(key)
		if !ok {
			continue
		}
		supported = append(supported, tag)
		names = append(names, key)
	}
	if len(supported) == 0 {
		return ""
	}

	_, index, confidence := language.NewMatcher(supported).Match(want)
	if confidence < language.High {
		return ""
	}
	return names[index]
}

// languageTag maps a distribution language key, either a code such as
// "fr" or "zh_CN" or an English name such as "French", to a tag.
func languageTag(key string) (language.Tag, bool) {
	if tag, err := language.Parse(strings.ReplaceAll(key, "_", "-")); err == nil {
		return tag, true
	}
	namer := display.English.Languages()
	for _, tag := range namedLanguages {
		if strings.EqualFold(namer.Name(tag), key) {
			return tag, true
		}
	}
	return language.Und, false
}

// SelectLanguage chooses the distribution language to use. The platform
// resolver wins, then the preference list, then English, then en. It
// returns "" when nothing is available.
func SelectLanguage(available []string, platform Resolver, prefs []string) string {
	if platform != nil {
		if lang := platform.Resolve(available); lang != "" {
			return lang
		}
	}
	if lang := PreferenceList(prefs).Resolve(available); lang != "" {
		return lang
	}
	return PreferenceList{FallbackLanguage, FallbackLanguageCode}.Resolve(available)
}
