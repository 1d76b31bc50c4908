package model

import "strings"

// Role — роль пользователя дашборда.
type Role string

const (
	RoleViewer   Role = "viewer"
	RoleOperator Role = "operator"
	RoleAdmin    Role = "admin"
)

var roleRank = map[Role]int{
	RoleViewer:   1,
	RoleOperator: 2,
	RoleAdmin:    3,
}

// ParseRole приводит строку к роли. Неизвестные значения считаются viewer.
func ParseRole(raw string) Role {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := roleRank[role]; ok {
		return role
	}
	return RoleViewer
}

// Has возвращает true, если роль не ниже required (admin ⊃ operator ⊃ viewer).
func (r Role) Has(required Role) bool {
	return roleRank[r] >= roleRank[required]
}
