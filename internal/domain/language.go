package domain

// Language identifies the toolchain used to run a submission.
type Language string

const (
	LanguageC      Language = "c"
	LanguageCPP    Language = "cpp"
	LanguagePython Language = "python"
	LanguageJava   Language = "java"
)

// Languages lists every supported language.
var Languages = []Language{LanguageC, LanguageCPP, LanguagePython, LanguageJava}

// ParseLanguage converts a client supplied language tag. Tags match exactly:
// "Python" or " c" are not supported. Unknown tags are returned as-is;
// callers check Supported.
func ParseLanguage(raw string) Language {
	return Language(raw)
}

// Supported reports whether the language has a toolchain.
func (l Language) Supported() bool {
	switch l {
	case LanguageC, LanguageCPP, LanguagePython, LanguageJava:
		return true
	default:
		return false
	}
}

// Compiled reports whether the language produces an artifact before running.
func (l Language) Compiled() bool {
	return l == LanguageC || l == LanguageCPP || l == LanguageJava
}

func (l Language) String() string {
	return string(l)
}
