package i18n

import (
	"embed"
	"fmt"
	"sync"

	goi18n "github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"

	"stockarena/logger"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// SupportedLanguages 内置翻译，第一个为默认语言
var SupportedLanguages = []string{"zh-CN", "en-US"}

var (
	mu         sync.RWMutex
	localizers map[string]*goi18n.Localizer
	systemLang = SupportedLanguages[0]

	matcher = language.NewMatcher(supportedTags())
)

func supportedTags() []language.Tag {
	tags := make([]language.Tag, len(SupportedLanguages))
	for i, l := range SupportedLanguages {
		tags[i] = language.MustParse(l)
	}
	return tags
}

// Init 加载翻译文件，lang 为拒单原因与提示信息的默认语言
func Init(lang string) error {
	if lang == "" {
		lang = SupportedLanguages[0]
	}
	tag, err := ParseLanguage(lang)
	if err != nil {
		return err
	}

	bundle := goi18n.NewBundle(language.MustParse(SupportedLanguages[0]))
	bundle.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)
	for _, l := range SupportedLanguages {
		filename := fmt.Sprintf("locales/%s.yaml", l)
		if _, err := bundle.LoadMessageFileFS(localeFS, filename); err != nil {
			return fmt.Errorf("加载翻译文件 %s 失败: %w", filename, err)
		}
	}

	system := closest(tag)
	loaded := make(map[string]*goi18n.Localizer, len(SupportedLanguages))
	for _, l := range SupportedLanguages {
		loaded[l] = goi18n.NewLocalizer(bundle, l, system)
	}

	mu.Lock()
	localizers = loaded
	systemLang = system
	mu.Unlock()
	return nil
}

// ParseLanguage 校验语言标签
func ParseLanguage(lang string) (language.Tag, error) {
	tag, err := language.Parse(lang)
	if err != nil {
		return language.Und, fmt.Errorf("无效的语言标签 %q: %w", lang, err)
	}
	return tag, nil
}

func closest(tags ...language.Tag) string {
	_, idx, _ := matcher.Match(tags...)
	return SupportedLanguages[idx]
}

// Match 按 Accept-Language 协商出支持的语言，无法识别时返回系统默认语言
func Match(acceptLanguage string) string {
	if acceptLanguage == "" {
		return GetSystemLanguage()
	}
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return GetSystemLanguage()
	}
	_, idx, confidence := matcher.Match(tags...)
	if confidence == language.No {
		return GetSystemLanguage()
	}
	return SupportedLanguages[idx]
}

// T 使用系统默认语言翻译
func T(key string, data ...interface{}) string {
	return TWithLang(GetSystemLanguage(), key, data...)
}

// TWithLang 翻译失败时返回 key 本身
func TWithLang(lang string, key string, data ...interface{}) string {
	mu.RLock()
	localizer, ok := localizers[lang]
	if !ok {
		localizer = localizers[systemLang]
	}
	mu.RUnlock()
	if localizer == nil {
		return key
	}

	var templateData map[string]interface{}
	if len(data) > 0 {
		if m, ok := data[0].(map[string]interface{}); ok {
			templateData = m
		}
	}

	msg, err := localizer.Localize(&goi18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: templateData,
	})
	if err != nil {
		logger.Debug("翻译失败 %s: %v", key, err)
		return key
	}
	return msg
}

// GetSystemLanguage 系统默认语言
func GetSystemLanguage() string {
	mu.RLock()
	defer mu.RUnlock()
	return systemLang
}
