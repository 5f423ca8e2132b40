package assistant

import (
	"fmt"
	"strings"
)

// Department identifies one of the four supervisor departments.
type Department string

const (
	DepartmentDriving     Department = "Driving"
	DepartmentDispatching Department = "Dispatching"
	DepartmentGuarding    Department = "Guarding"
	DepartmentSignalling  Department = "Signalling"
)

// Monthly quota requirements. Every department requires the same number
// of trainings overall; Driving requires an extra hosted session.
const (
	RequiredMonthlyTrainings = 8
	RequiredHostedDriving    = 3
	RequiredHostedOther      = 2
)

// Departments lists all departments in display order.
var Departments = []Department{
	DepartmentDriving,
	DepartmentDispatching,
	DepartmentGuarding,
	DepartmentSignalling,
}

// ParseDepartment parses a department name, case-insensitively.
func ParseDepartment(s string) (Department, error) {
	for _, dept := range Departments {
		if strings.EqualFold(s, string(dept)) {
			return dept, nil
		}
	}
	return "", fmt.Errorf("unknown department: %q", s)
}

func (d Department) String() string {
	return string(d)
}

// ConfigKey returns the lowercase key used for this department in
// [ClickUpConfig.Departments].
func (d Department) ConfigKey() string {
	return strings.ToLower(string(d))
}

// RequiredTotal returns the number of trainings a supervisor in this
// department must complete per month.
func (Department) RequiredTotal() int {
	return RequiredMonthlyTrainings
}

// RequiredHosted returns the number of those trainings the supervisor
// must host themselves.
func (d Department) RequiredHosted() int {
	if d == DepartmentDriving {
		return RequiredHostedDriving
	}
	return RequiredHostedOther
}
