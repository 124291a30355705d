package hipaa

import (
	"regexp"
	"strings"
	"unicode"
)

const (
	maskRune       = '*'
	nameMaskSuffix = "***"
	visibleTail    = 4

	// ProtectedPlaceholder is returned for categories without a dedicated strategy.
	ProtectedPlaceholder = "[PROTECTED]"
	dateOfBirthMask      = "**/**/****"
	addressPlaceholder   = "[ADDRESS]"
)

// clinicalPlaceholders are whole-value replacements for unstructured clinical
// categories. No fragment of the original value is ever kept for these.
var clinicalPlaceholders = map[Category]string{
	CategoryDiagnosis:  "[DIAGNOSIS]",
	CategoryMedication: "[MEDICATION]",
	CategoryVitalSign:  "[VITAL SIGN]",
	CategoryImage:      "[IMAGE]",
	CategoryDocument:   "[DOCUMENT]",
}

var yearPattern = regexp.MustCompile(`(^|\D)(\d{4})(\D|$)`)

// Masker applies category-specific redaction based on a PermissionMatrix.
// Mask is a pure function of its arguments: it has no side effects and does
// not record an audit entry.
type Masker struct {
	matrix *PermissionMatrix
}

// NewMasker creates a Masker over matrix. A nil matrix uses DefaultMatrix.
func NewMasker(matrix *PermissionMatrix) *Masker {
	if matrix == nil {
		matrix = DefaultMatrix()
	}
	return &Masker{matrix: matrix}
}

// Matrix returns the permission matrix the masker consults.
func (m *Masker) Matrix() *PermissionMatrix {
	return m.matrix
}

// Mask returns value unchanged when role may view category, and a redacted
// representation otherwise. Masking an already-masked value with the same
// role returns the same string.
func (m *Masker) Mask(value string, category Category, role Role) string {
	switch m.matrix.Access(role, category) {
	case AccessFull:
		return value
	case AccessDeidentified:
		return deidentify(value, category)
	}
	return redact(value, category)
}

// Revealed reports whether Mask would return value unchanged.
func (m *Masker) Revealed(category Category, role Role) bool {
	return m.matrix.CanView(role, category)
}

var defaultMasker = NewMasker(nil)

// Mask masks value with the default permission matrix.
func Mask(value string, category Category, role Role) string {
	return defaultMasker.Mask(value, category, role)
}

func redact(value string, category Category) string {
	if value == "" {
		return ""
	}
	switch category {
	case CategorySSN, CategoryMRN, CategoryInsurance, CategoryPhone:
		return maskKeepTail(value, visibleTail)
	case CategoryName:
		return maskName(value)
	case CategoryEmail:
		return maskEmail(value)
	case CategoryDateOfBirth:
		return dateOfBirthMask
	case CategoryAddress:
		return addressPlaceholder
	}
	if p, ok := clinicalPlaceholders[category]; ok {
		return p
	}
	return ProtectedPlaceholder
}

func deidentify(value string, category Category) string {
	if value == "" {
		return ""
	}
	if category == CategoryDateOfBirth {
		if match := yearPattern.FindStringSubmatch(value); match != nil {
			return match[2]
		}
	}
	return redact(value, category)
}

// maskKeepTail replaces every letter or digit except the last keep ones with
// maskRune. Separators stay in place so "123-45-6789" becomes "***-**-6789".
// Mask runes already present count as masked positions, which keeps the
// function idempotent. Values with no more than keep positions are masked
// entirely.
func maskKeepTail(value string, keep int) string {
	runes := []rune(value)
	positions := 0
	for _, r := range runes {
		if r == maskRune || isAlnum(r) {
			positions++
		}
	}
	if positions <= keep {
		keep = 0
	}
	toMask := positions - keep
	for i, r := range runes {
		if toMask == 0 {
			break
		}
		if r == maskRune || isAlnum(r) {
			runes[i] = maskRune
			toMask--
		}
	}
	return string(runes)
}

// maskName keeps the first rune of each whitespace-separated token and
// replaces the rest with a fixed-length suffix, so the output length does not
// track the original token length.
func maskName(value string) string {
	tokens := strings.Fields(value)
	for i, tok := range tokens {
		first := []rune(tok)[0]
		tokens[i] = string(first) + nameMaskSuffix
	}
	return strings.Join(tokens, " ")
}

// maskEmail masks the local part and keeps "@domain" so the value still reads
// as an email address.
func maskEmail(value string) string {
	at := strings.LastIndex(value, "@")
	if at <= 0 {
		return maskName(value)
	}
	local, domain := value[:at], value[at:]
	first := []rune(local)[0]
	return string(first) + nameMaskSuffix + domain
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}
