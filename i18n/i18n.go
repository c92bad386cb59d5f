package i18n

import (
	"embed"
	"fmt"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

//go:embed locales/*.yaml
var localeFS embed.FS

// 受支持的语言，首项为兜底语言
var supported = []language.Tag{
	language.MustParse("zh-CN"),
	language.MustParse("en-US"),
}

var matcher = language.NewMatcher(supported)

var (
	mu             sync.RWMutex
	bundle         *i18n.Bundle
	localizers     map[string]*i18n.Localizer
	systemLanguage = "zh-CN"
)

// Init 加载内嵌翻译文件并设置系统默认语言
func Init(lang string) error {
	mu.Lock()
	defer mu.Unlock()

	if lang != "" {
		systemLanguage = lang
	}

	bundle = i18n.NewBundle(supported[0])
	bundle.RegisterUnmarshalFunc("yaml", yaml.Unmarshal)
	localizers = make(map[string]*i18n.Localizer)

	// 单个翻译文件损坏不影响其他语言
	for _, tag := range supported {
		filename := fmt.Sprintf("locales/%s.yaml", tag)
		if _, err := bundle.LoadMessageFileFS(localeFS, filename); err != nil {
			fmt.Printf("[WARN] Failed to load translation file %s: %v\n", filename, err)
		}
	}

	return nil
}

// MatchAcceptLanguage 解析 Accept-Language 头并归一到受支持的语言
//
// 按 q 权重匹配，如 "en-GB,en;q=0.9" → "en-US"；无法匹配时返回系统默认语言。
func MatchAcceptLanguage(header string) string {
	if header == "" {
		return GetSystemLanguage()
	}

	tags, _, err := language.ParseAcceptLanguage(header)
	if err != nil || len(tags) == 0 {
		return GetSystemLanguage()
	}

	if _, idx, conf := matcher.Match(tags...); conf > language.No {
		return supported[idx].String()
	}
	return GetSystemLanguage()
}

// GetLocalizer 获取指定语言的 Localizer，按语言缓存复用
func GetLocalizer(lang string) *i18n.Localizer {
	mu.RLock()
	if bundle == nil {
		mu.RUnlock()
		return nil
	}
	if lang == "" {
		lang = systemLanguage
	}
	if lc, ok := localizers[lang]; ok {
		mu.RUnlock()
		return lc
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if lc, ok := localizers[lang]; ok {
		return lc
	}
	lc := i18n.NewLocalizer(bundle, lang)
	localizers[lang] = lc
	return lc
}

// T 按系统默认语言翻译
func T(key string, data ...interface{}) string {
	return TWithLang(GetSystemLanguage(), key, data...)
}

// TWithLang 按指定语言翻译，无对应词条时返回 key 本身
func TWithLang(lang string, key string, data ...interface{}) string {
	localizer := GetLocalizer(lang)
	if localizer == nil {
		return key
	}

	var templateData map[string]interface{}
	if len(data) > 0 {
		if m, ok := data[0].(map[string]interface{}); ok {
			templateData = m
		}
	}

	msg, err := localizer.Localize(&i18n.LocalizeConfig{
		MessageID:    key,
		TemplateData: templateData,
	})
	if err != nil {
		return key
	}
	return msg
}

// SetSystemLanguage 设置系统默认语言
func SetSystemLanguage(lang string) {
	mu.Lock()
	defer mu.Unlock()
	systemLanguage = lang
}

// GetSystemLanguage 获取系统默认语言
func GetSystemLanguage() string {
	mu.RLock()
	defer mu.RUnlock()
	return systemLanguage
}
