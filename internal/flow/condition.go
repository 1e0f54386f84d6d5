package flow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/BTreeMap/DialogPipe/internal/models"
	"github.com/BTreeMap/DialogPipe/internal/scenario"
)

// Condition operators.
const (
	OpGreater      = ">"
	OpLess         = "<"
	OpGreaterEqual = ">="
	OpLessEqual    = "<="
	OpEqual        = "="
	OpNotEqual     = "!="
	OpNotEqualAlt  = "<>"
	OpEmpty        = "EMPTY"
	OpNotEmpty     = "NOT_EMPTY"
	OpNoMatch      = "NO_MATCH"
)

// EvaluateConditions returns the first rule satisfied by slots, or nil.
// NO_MATCH always holds and serves as the default branch.
func EvaluateConditions(rules []models.ConditionRule, slots map[string]interface{}) *models.ConditionRule {
	for i := range rules {
		if checkCondition(rules[i], slots) {
			r := rules[i]
			return &r
		}
	}
	return nil
}

func checkCondition(rule models.ConditionRule, slots map[string]interface{}) bool {
	current, _ := scenario.LookupSlot(slots, rule.VariableName)
	want := rule.ComparisonValue
	switch strings.ToUpper(strings.TrimSpace(rule.Operator)) {
	case OpGreater:
		return current != nil && compare(current, want) > 0
	case OpLess:
		return current != nil && compare(current, want) < 0
	case OpGreaterEqual:
		return current != nil && compare(current, want) >= 0
	case OpLessEqual:
		return current != nil && compare(current, want) <= 0
	case OpEqual:
		return equal(current, want)
	case OpNotEqual, OpNotEqualAlt:
		return !equal(current, want)
	case OpEmpty:
		return isEmpty(current)
	case OpNotEmpty:
		return !isEmpty(current)
	case OpNoMatch:
		return true
	default:
		return false
	}
}

// compare orders a and b numerically when both parse as numbers, and as
// strings otherwise.
func compare(a, b interface{}) int {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		default:
			return 0
		}
	}
	return strings.Compare(toString(a), toString(b))
}

func equal(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return compare(a, b) == 0
}

func isEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	switch val := v.(type) {
	case string:
		return val == ""
	case bool:
		return !val
	case float64:
		return val == 0
	case int:
		return val == 0
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Slice, reflect.Array:
		return rv.Len() == 0
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch val := v.(type) {
	case float64:
		return val, true
	case float32:
		return float64(val), true
	case int:
		return float64(val), true
	case int64:
		return float64(val), true
	case json.Number:
		f, err := val.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
		return f, err == nil
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func toString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// ApplyRoute evaluates the transition's route conditions and returns a copy
// whose route target is the chosen rule's robot. The chosen rule is nil when
// the transition has no route or no rule holds.
func ApplyRoute(t models.Transition, slots map[string]interface{}) (models.Transition, *models.ConditionRule) {
	if t.Route == nil || len(t.Route.Conditions) == 0 {
		return t, nil
	}
	rule := EvaluateConditions(t.Route.Conditions, slots)
	if rule == nil {
		return t, nil
	}
	out := t.Clone()
	out.Route.RobotType = rule.RobotType
	out.Route.RobotTypeID = rule.RobotTypeID
	return out, rule
}
