package hipaa

import "strings"

// Category is a closed set of Protected Health Information classes. Every
// value the engine masks or audits is tagged with exactly one category.
type Category string

const (
	CategoryName        Category = "name"
	CategorySSN         Category = "ssn"
	CategoryDateOfBirth Category = "date_of_birth"
	CategoryAddress     Category = "address"
	CategoryPhone       Category = "phone"
	CategoryEmail       Category = "email"
	CategoryMRN         Category = "medical_record_number"
	CategoryInsurance   Category = "insurance"
	CategoryDiagnosis   Category = "diagnosis"
	CategoryMedication  Category = "medication"
	CategoryVitalSign   Category = "vital_sign"
	CategoryImage       Category = "image"
	CategoryDocument    Category = "document"
)

// Categories returns every known category in declaration order.
func Categories() []Category {
	return []Category{
		CategoryName, CategorySSN, CategoryDateOfBirth, CategoryAddress,
		CategoryPhone, CategoryEmail, CategoryMRN, CategoryInsurance,
		CategoryDiagnosis, CategoryMedication, CategoryVitalSign,
		CategoryImage, CategoryDocument,
	}
}

// Valid reports whether c is one of the declared categories.
func (c Category) Valid() bool {
	for _, known := range Categories() {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategory normalizes s and returns the matching category. The second
// return value is false when s does not name a known category.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case "dob", "birth_date":
		c = CategoryDateOfBirth
	case "mrn":
		c = CategoryMRN
	case "vitals", "vital_signs":
		c = CategoryVitalSign
	}
	return c, c.Valid()
}

// Role is the caller's RBAC role. Unknown roles are treated as RoleGuest.
type Role string

const (
	RolePatient    Role = "patient"
	RoleProvider   Role = "provider"
	RoleNurse      Role = "nurse"
	RoleAdmin      Role = "admin"
	RoleTechnician Role = "technician"
	RoleBilling    Role = "billing"
	RoleResearcher Role = "researcher"
	RoleGuest      Role = "guest"
)

// Roles returns every known role in declaration order.
func Roles() []Role {
	return []Role{
		RolePatient, RoleProvider, RoleNurse, RoleAdmin,
		RoleTechnician, RoleBilling, RoleResearcher, RoleGuest,
	}
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	for _, known := range Roles() {
		if r == known {
			return true
		}
	}
	return false
}

// ParseRole returns the role named by s, or RoleGuest when s is unknown.
func ParseRole(s string) Role {
	r := Role(strings.ToLower(strings.TrimSpace(s)))
	if !r.Valid() {
		return RoleGuest
	}
	return r
}

// rolePrecedence orders roles from broadest to narrowest clinical access.
var rolePrecedence = []Role{
	RoleProvider, RoleNurse, RoleAdmin, RoleBilling,
	RoleTechnician, RolePatient, RoleResearcher, RoleGuest,
}

// ResolveRole picks the effective role for a caller holding several token
// roles. The broadest known role wins; no known role yields RoleGuest.
func ResolveRole(roles []string) Role {
	held := make(map[Role]bool, len(roles))
	for _, r := range roles {
		held[ParseRole(r)] = true
	}
	for _, r := range rolePrecedence {
		if held[r] {
			return r
		}
	}
	return RoleGuest
}

// fieldCategories maps FHIR-style "<ResourceType>.<path>" field paths to the
// PHI category they carry. Paths follow the FHIR JSON element names.
var fieldCategories = map[string]Category{
	"Patient.name":                 CategoryName,
	"Patient.identifier.ssn":       CategorySSN,
	"Patient.identifier.mrn":       CategoryMRN,
	"Patient.birthDate":            CategoryDateOfBirth,
	"Patient.address.line":         CategoryAddress,
	"Patient.telecom.phone":        CategoryPhone,
	"Patient.telecom.email":        CategoryEmail,
	"Coverage.subscriberId":        CategoryInsurance,
	"Condition.code":               CategoryDiagnosis,
	"MedicationRequest.medication": CategoryMedication,
	"Observation.value":            CategoryVitalSign,
	"Media.content":                CategoryImage,
	"DocumentReference.content":    CategoryDocument,
	"RelatedPerson.name":           CategoryName,
	"RelatedPerson.address.line":   CategoryAddress,
	"RelatedPerson.telecom.phone":  CategoryPhone,
}

// CategoryForField returns the PHI category for a field path such as
// "Patient.telecom.phone". The second return value is false for paths that
// are not classified.
func CategoryForField(path string) (Category, bool) {
	c, ok := fieldCategories[path]
	return c, ok
}
