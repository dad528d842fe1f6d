package extract

import "regexp"

// Field names a piece of structured data pulled out of script output.
type Field string

const (
	FieldEmail        Field = "email"
	FieldPassword     Field = "password"
	FieldAccessToken  Field = "access_token"
	FieldRefreshToken Field = "refresh_token"
	FieldCookie       Field = "cookie"
)

// Secret reports whether a field must never leave the process unsealed.
func (f Field) Secret() bool {
	return f != FieldEmail
}

const emailShape = `[a-zA-Z0-9._-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`

// SuccessPattern recognizes a script run that reached its final outcome.
var SuccessPattern = regexp.MustCompile(`(?i)注册成功|完成所有操作|所有操作已完成|registration.*success|all.*operations.*completed`)

// Rule is the extraction cascade for one field. Labelled patterns are tried
// before fallback patterns; every pattern captures the value in group 1.
type Rule struct {
	Field    Field
	Labelled []*regexp.Regexp
	Fallback []*regexp.Regexp
	// PreferLast picks the occurrence closest to the end of the text among
	// all labelled matches instead of the first pattern's first match.
	PreferLast bool
}

func labelled(label, value string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)` + label + `.*?[:：]\s*(` + value + `)`)
}

// DefaultRules is the cascade used for the registration workflow. The most
// contextual labels come first, the bare shapes last.
var DefaultRules = []Rule{
	{
		Field: FieldEmail,
		Labelled: []*regexp.Regexp{
			labelled(`生成的邮箱账户`, emailShape),
			labelled(`生成的邮箱`, emailShape),
			labelled(`邮箱账户`, emailShape),
			labelled(`邮箱`, emailShape),
			labelled(`电子邮箱`, emailShape),
			labelled(`email`, emailShape),
		},
		Fallback:   []*regexp.Regexp{regexp.MustCompile(`(` + emailShape + `)`)},
		PreferLast: true,
	},
	{
		Field: FieldPassword,
		Labelled: []*regexp.Regexp{
			labelled(`密码`, `[^\s,;]+`),
			labelled(`password`, `[^\s,;]+`),
		},
	},
	{
		Field: FieldAccessToken,
		Labelled: []*regexp.Regexp{
			regexp.MustCompile(`(?i)access[_ ]?token\s*[:：=]\s*([A-Za-z0-9._\-]+)`),
			labelled(`访问令牌`, `\S+`),
		},
		Fallback: []*regexp.Regexp{
			regexp.MustCompile(`(eyJ[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+\.[A-Za-z0-9_-]+)`),
		},
	},
	{
		Field: FieldRefreshToken,
		Labelled: []*regexp.Regexp{
			regexp.MustCompile(`(?i)refresh[_ ]?token\s*[:：=]\s*([A-Za-z0-9._\-]+)`),
			labelled(`刷新令牌`, `\S+`),
		},
	},
	{
		Field: FieldCookie,
		Labelled: []*regexp.Regexp{
			regexp.MustCompile(`WorkosCursorSessionToken\s*[:：=]\s*([^\s;]+)`),
			regexp.MustCompile(`(?i)cookie\s*[:：=]\s*([^\s;]+)`),
			labelled(`会话令牌`, `\S+`),
		},
	},
}
