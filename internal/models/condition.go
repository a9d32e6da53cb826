package models

// Field identifies the lead attribute a condition reads.
type Field string

// Lead fields that conditions can reference.
const (
	FieldFullName         Field = "full_name"
	FieldPhone            Field = "phone"
	FieldEmail            Field = "email"
	FieldStatus           Field = "status"
	FieldOrigin           Field = "origin"
	FieldCity             Field = "city"
	FieldState            Field = "state"
	FieldRegion           Field = "region"
	FieldOwner            Field = "owner"
	FieldContractType     Field = "contract_type"
	FieldPreviousProvider Field = "previous_provider"
	FieldCreatedAt        Field = "created_at"
	FieldLastContact      Field = "last_contact"
	FieldNextFollowUp     Field = "next_follow_up"
	FieldArchived         Field = "archived"
	// FieldTag is synthetic: it matches against the lead's tag set.
	FieldTag Field = "tag"
)

// IsValidField checks if the given field is supported.
func IsValidField(f Field) bool {
	switch f {
	case FieldFullName, FieldPhone, FieldEmail, FieldStatus, FieldOrigin, FieldCity, FieldState,
		FieldRegion, FieldOwner, FieldContractType, FieldPreviousProvider, FieldCreatedAt,
		FieldLastContact, FieldNextFollowUp, FieldArchived, FieldTag:
		return true
	default:
		return false
	}
}

// Operator is a condition comparison operator.
type Operator string

// Supported operators.
const (
	OpEquals         Operator = "equals"
	OpNotEquals      Operator = "not_equals"
	OpContains       Operator = "contains"
	OpNotContains    Operator = "not_contains"
	OpStartsWith     Operator = "starts_with"
	OpNotStartsWith  Operator = "not_starts_with"
	OpEndsWith       Operator = "ends_with"
	OpNotEndsWith    Operator = "not_ends_with"
	OpInList         Operator = "in_list"
	OpNotInList      Operator = "not_in_list"
	OpGreaterThan    Operator = "greater_than"
	OpGreaterOrEqual Operator = "greater_or_equal"
	OpLessThan       Operator = "less_than"
	OpLessOrEqual    Operator = "less_or_equal"
)

// Operators lists every supported operator.
var Operators = []Operator{
	OpEquals, OpNotEquals,
	OpContains, OpNotContains,
	OpStartsWith, OpNotStartsWith,
	OpEndsWith, OpNotEndsWith,
	OpInList, OpNotInList,
	OpGreaterThan, OpGreaterOrEqual,
	OpLessThan, OpLessOrEqual,
}

// IsValidOperator checks if the given operator is supported.
func IsValidOperator(op Operator) bool {
	for _, known := range Operators {
		if op == known {
			return true
		}
	}
	return false
}

// IsComparison reports whether the operator performs an ordered (numeric or date) comparison.
func (op Operator) IsComparison() bool {
	switch op {
	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual:
		return true
	default:
		return false
	}
}

// Logic combines a list of condition results.
type Logic string

const (
	// LogicAll requires every condition to hold.
	LogicAll Logic = "all"
	// LogicAny requires at least one condition to hold.
	LogicAny Logic = "any"
)

// IsValidLogic checks if the given logic is supported. Empty means all.
func IsValidLogic(l Logic) bool {
	return l == "" || l == LogicAll || l == LogicAny
}

// Condition is a single predicate over a lead field. Value is always a string;
// numeric and date operators parse it at evaluation time.
type Condition struct {
	ID       string   `json:"id,omitempty" yaml:"id,omitempty"`
	Field    Field    `json:"field" yaml:"field"`
	Operator Operator `json:"operator" yaml:"operator"`
	Value    string   `json:"value" yaml:"value"`
}

// Validate checks the field and operator of a condition.
func (c Condition) Validate() error {
	if !IsValidField(c.Field) {
		return ErrInvalidField
	}
	if !IsValidOperator(c.Operator) {
		return ErrInvalidOperator
	}
	return nil
}
