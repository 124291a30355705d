package hipaa

// AccessLevel describes how much of a category a role may see.
type AccessLevel int

const (
	// AccessNone means the value is always masked.
	AccessNone AccessLevel = iota
	// AccessDeidentified means a reduced-precision form may be shown
	// (for example date of birth reduced to the year).
	AccessDeidentified
	// AccessFull means the raw value is shown.
	AccessFull
)

func (l AccessLevel) String() string {
	switch l {
	case AccessFull:
		return "full"
	case AccessDeidentified:
		return "deidentified"
	default:
		return "none"
	}
}

// RolePermissions lists the categories a role may view unmasked and the
// categories it may view in de-identified form.
type RolePermissions struct {
	Full         []Category
	Deidentified []Category
}

// PermissionMatrix is an immutable role -> category mapping. It is built once
// and never mutated, so it is safe for concurrent use without locking.
type PermissionMatrix struct {
	full  map[Role]map[Category]struct{}
	deidn map[Role]map[Category]struct{}
}

// NewPermissionMatrix builds a matrix from the given table. Roles missing from
// the table map to the empty set.
func NewPermissionMatrix(table map[Role]RolePermissions) *PermissionMatrix {
	m := &PermissionMatrix{
		full:  make(map[Role]map[Category]struct{}, len(table)),
		deidn: make(map[Role]map[Category]struct{}, len(table)),
	}
	for _, role := range Roles() {
		m.full[role] = map[Category]struct{}{}
		m.deidn[role] = map[Category]struct{}{}
	}
	for role, perms := range table {
		if !role.Valid() {
			continue
		}
		for _, c := range perms.Full {
			m.full[role][c] = struct{}{}
		}
		for _, c := range perms.Deidentified {
			if _, ok := m.full[role][c]; !ok {
				m.deidn[role][c] = struct{}{}
			}
		}
	}
	return m
}

// DefaultPermissions returns the built-in role table. Clinical roles see the
// clinical categories they treat with; administrative roles see demographics
// and billing identifiers; researchers and guests see no raw PHI.
func DefaultPermissions() map[Role]RolePermissions {
	return map[Role]RolePermissions{
		RolePatient: {Full: []Category{
			CategoryName, CategoryDateOfBirth, CategoryAddress, CategoryPhone,
			CategoryEmail, CategoryMRN, CategoryInsurance, CategoryDiagnosis,
			CategoryMedication, CategoryVitalSign, CategoryImage, CategoryDocument,
		}},
		RoleProvider: {Full: Categories()},
		RoleNurse: {Full: []Category{
			CategoryName, CategoryDateOfBirth, CategoryPhone, CategoryMRN,
			CategoryDiagnosis, CategoryMedication, CategoryVitalSign,
		}},
		RoleAdmin: {Full: []Category{
			CategoryName, CategoryDateOfBirth, CategoryAddress, CategoryPhone,
			CategoryEmail, CategoryMRN, CategoryInsurance,
		}},
		RoleTechnician: {Full: []Category{
			CategoryName, CategoryMRN, CategoryVitalSign, CategoryImage,
		}},
		RoleBilling: {Full: []Category{
			CategoryName, CategorySSN, CategoryDateOfBirth, CategoryAddress,
			CategoryPhone, CategoryEmail, CategoryMRN, CategoryInsurance,
		}},
		RoleResearcher: {Deidentified: []Category{CategoryDateOfBirth}},
		RoleGuest:      {},
	}
}

// DefaultMatrix returns a matrix built from DefaultPermissions.
func DefaultMatrix() *PermissionMatrix {
	return NewPermissionMatrix(DefaultPermissions())
}

// normalizeRole maps unknown roles to RoleGuest, the most restrictive role.
func normalizeRole(role Role) Role {
	if !role.Valid() {
		return RoleGuest
	}
	return role
}

// AllowedCategories returns the categories role may view unmasked, in
// declaration order. Unknown roles get the empty set.
func (m *PermissionMatrix) AllowedCategories(role Role) []Category {
	set := m.full[normalizeRole(role)]
	out := make([]Category, 0, len(set))
	for _, c := range Categories() {
		if _, ok := set[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// DeidentifiedCategories returns the categories role may view in reduced form.
func (m *PermissionMatrix) DeidentifiedCategories(role Role) []Category {
	set := m.deidn[normalizeRole(role)]
	out := make([]Category, 0, len(set))
	for _, c := range Categories() {
		if _, ok := set[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// Access returns the access level role has on category.
func (m *PermissionMatrix) Access(role Role, category Category) AccessLevel {
	role = normalizeRole(role)
	if _, ok := m.full[role][category]; ok {
		return AccessFull
	}
	if _, ok := m.deidn[role][category]; ok {
		return AccessDeidentified
	}
	return AccessNone
}

// CanView reports whether role may see category unmasked.
func (m *PermissionMatrix) CanView(role Role, category Category) bool {
	return m.Access(role, category) == AccessFull
}
