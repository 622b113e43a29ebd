package schema

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

type (
	// Evolution builds and applies migration plans between schema versions.
	Evolution struct {
		now func() time.Time
	}

	// EvolutionOption configures an Evolution service.
	EvolutionOption func(*Evolution)
)

// WithEvolutionClock overrides the time source. Used by tests.
func WithEvolutionClock(now func() time.Time) EvolutionOption {
	return func(e *Evolution) {
		e.now = now
	}
}

// NewEvolution builds the schema evolution service.
func NewEvolution(opts ...EvolutionOption) *Evolution {
	e := &Evolution{now: time.Now}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// CreatePlan diffs two schemas into an ordered migration plan.
//
// Step order is: added fields, removed fields, then per-field modifications
// in schema order. RequiresBackfill is set when any step adds a field or
// changes a type; BreakingChanges when any step removes a field or changes
// a type.
func (e *Evolution) CreatePlan(sourceID string, old, updated *Schema, fromVersion, toVersion int) *MigrationPlan {
	plan := &MigrationPlan{
		SourceID:    sourceID,
		FromVersion: fromVersion,
		ToVersion:   toVersion,
		Steps:       make([]MigrationStep, 0),
		CreatedAt:   e.now().UTC(),
	}

	oldFields := make(map[string]FieldSchema, len(old.Fields))
	for i := range old.Fields {
		oldFields[old.Fields[i].Name] = old.Fields[i]
	}

	for i := range updated.Fields {
		field := updated.Fields[i]

		oldField, existed := oldFields[field.Name]
		if !existed {
			plan.Steps = append(plan.Steps, addFieldStep(field))

			continue
		}

		plan.Steps = append(plan.Steps, modifyFieldSteps(oldField, field)...)
	}

	for i := range old.Fields {
		if !updated.HasField(old.Fields[i].Name) {
			plan.Steps = append(plan.Steps, removeFieldStep(old.Fields[i]))
		}
	}

	for _, step := range plan.Steps {
		switch step.Action {
		case ActionAddField:
			plan.RequiresBackfill = true
		case ActionChangeType:
			plan.RequiresBackfill = true
			plan.BreakingChanges = true
		case ActionRemoveField:
			plan.BreakingChanges = true
		}
	}

	return plan
}

func addFieldStep(field FieldSchema) MigrationStep {
	return MigrationStep{
		Action:    ActionAddField,
		FieldName: field.Name,
		Params: map[string]any{
			"field_type": string(field.FieldType),
			"default":    field.Default,
		},
		Reversible: true,
		Reverse: &MigrationStep{
			Action:    ActionRemoveField,
			FieldName: field.Name,
		},
		Description: fmt.Sprintf("add field %q (%s)", field.Name, field.FieldType),
	}
}

// removeFieldStep is irreversible: the dropped values cannot be recovered.
func removeFieldStep(field FieldSchema) MigrationStep {
	return MigrationStep{
		Action:      ActionRemoveField,
		FieldName:   field.Name,
		Reversible:  false,
		Description: fmt.Sprintf("remove field %q", field.Name),
	}
}

func modifyFieldSteps(old, updated FieldSchema) []MigrationStep {
	steps := make([]MigrationStep, 0)

	if old.FieldType != updated.FieldType {
		steps = append(steps, changeTypeStep(old, updated))
	}

	if old.Required != updated.Required {
		steps = append(steps, MigrationStep{
			Action:    ActionSetRequired,
			FieldName: updated.Name,
			Params: map[string]any{
				"required": updated.Required,
				"default":  updated.Default,
			},
			Reversible: true,
			Reverse: &MigrationStep{
				Action:    ActionSetRequired,
				FieldName: updated.Name,
				Params: map[string]any{
					"required": old.Required,
					"default":  old.Default,
				},
			},
			Description: fmt.Sprintf("set field %q required=%t", updated.Name, updated.Required),
		})
	}

	if old.Nullable != updated.Nullable {
		steps = append(steps, MigrationStep{
			Action:     ActionSetNullable,
			FieldName:  updated.Name,
			Params:     map[string]any{"nullable": updated.Nullable},
			Reversible: true,
			Reverse: &MigrationStep{
				Action:    ActionSetNullable,
				FieldName: updated.Name,
				Params:    map[string]any{"nullable": old.Nullable},
			},
			Description: fmt.Sprintf("set field %q nullable=%t", updated.Name, updated.Nullable),
		})
	}

	if fmt.Sprint(old.Default) != fmt.Sprint(updated.Default) {
		steps = append(steps, MigrationStep{
			Action:    ActionSetDefault,
			FieldName: updated.Name,
			Params: map[string]any{
				"default":  updated.Default,
				"previous": old.Default,
			},
			Reversible: true,
			Reverse: &MigrationStep{
				Action:    ActionSetDefault,
				FieldName: updated.Name,
				Params: map[string]any{
					"default":  old.Default,
					"previous": updated.Default,
				},
			},
			Description: fmt.Sprintf("set field %q default", updated.Name),
		})
	}

	steps = append(steps, constraintSteps(old, updated)...)

	return steps
}

func changeTypeStep(old, updated FieldSchema) MigrationStep {
	step := MigrationStep{
		Action:    ActionChangeType,
		FieldName: updated.Name,
		Params: map[string]any{
			"from_type": string(old.FieldType),
			"to_type":   string(updated.FieldType),
		},
		Description: fmt.Sprintf("change field %q type from %s to %s", updated.Name, old.FieldType, updated.FieldType),
	}

	// The step is reversible only when the opposite conversion exists.
	if _, err := Converter(updated.FieldType, old.FieldType); err == nil {
		step.Reversible = true
		step.Reverse = &MigrationStep{
			Action:    ActionChangeType,
			FieldName: updated.Name,
			Params: map[string]any{
				"from_type": string(updated.FieldType),
				"to_type":   string(old.FieldType),
			},
		}
	}

	return step
}

// constraintSteps emits add_constraint/remove_constraint steps for changed
// value constraints. Constraint steps never touch record data; they document
// the validation change and reverse cleanly.
func constraintSteps(old, updated FieldSchema) []MigrationStep {
	steps := make([]MigrationStep, 0)

	emit := func(constraint string, oldValue, newValue any) {
		action := ActionAddConstraint
		reverseAction := ActionRemoveConstraint

		if newValue == nil {
			action, reverseAction = reverseAction, action
		}

		steps = append(steps, MigrationStep{
			Action:    action,
			FieldName: updated.Name,
			Params: map[string]any{
				"constraint": constraint,
				"value":      newValue,
				"previous":   oldValue,
			},
			Reversible: true,
			Reverse: &MigrationStep{
				Action:    reverseAction,
				FieldName: updated.Name,
				Params: map[string]any{
					"constraint": constraint,
					"value":      oldValue,
					"previous":   newValue,
				},
			},
			Description: fmt.Sprintf("update %s constraint on field %q", constraint, updated.Name),
		})
	}

	if !float64PtrEqual(old.MinValue, updated.MinValue) {
		emit("min_value", ptrValue(old.MinValue), ptrValue(updated.MinValue))
	}

	if !float64PtrEqual(old.MaxValue, updated.MaxValue) {
		emit("max_value", ptrValue(old.MaxValue), ptrValue(updated.MaxValue))
	}

	if !intPtrEqual(old.MinLength, updated.MinLength) {
		emit("min_length", ptrValue(old.MinLength), ptrValue(updated.MinLength))
	}

	if !intPtrEqual(old.MaxLength, updated.MaxLength) {
		emit("max_length", ptrValue(old.MaxLength), ptrValue(updated.MaxLength))
	}

	if old.Pattern != updated.Pattern {
		var oldValue, newValue any

		if old.Pattern != "" {
			oldValue = old.Pattern
		}

		if updated.Pattern != "" {
			newValue = updated.Pattern
		}

		emit("pattern", oldValue, newValue)
	}

	if len(enumRemoved(old.EnumValues, updated.EnumValues)) > 0 ||
		len(enumRemoved(updated.EnumValues, old.EnumValues)) > 0 {
		var oldValue, newValue any

		if len(old.EnumValues) > 0 {
			oldValue = old.EnumValues
		}

		if len(updated.EnumValues) > 0 {
			newValue = updated.EnumValues
		}

		emit("enum_values", oldValue, newValue)
	}

	return steps
}

// Apply runs the plan's steps in order against a copy of the record. The
// input record is never mutated. Converter failures null the field and are
// reported as warnings rather than errors.
func (e *Evolution) Apply(plan *MigrationPlan, record map[string]any) (map[string]any, []string, error) {
	return e.apply(plan, record, false)
}

func (e *Evolution) apply(plan *MigrationPlan, record map[string]any, nullOnError bool) (map[string]any, []string, error) {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = v
	}

	warnings := make([]string, 0)

	for _, step := range plan.Steps {
		warning, err := applyStep(out, step)
		if warning != "" {
			warnings = append(warnings, warning)
		}

		if err != nil {
			if !nullOnError {
				return nil, warnings, fmt.Errorf("step %s on field %q: %w", step.Action, step.FieldName, err)
			}

			out[step.FieldName] = nil

			warnings = append(warnings, fmt.Sprintf("field %q nulled: %v", step.FieldName, err))
		}
	}

	return out, warnings, nil
}

// applyStep executes one step against the record in place. It returns a
// warning for soft failures and an error for hard ones.
func applyStep(record map[string]any, step MigrationStep) (string, error) {
	switch step.Action {
	case ActionAddField:
		if _, exists := record[step.FieldName]; !exists {
			record[step.FieldName] = step.Params["default"]
		}

		return "", nil

	case ActionRemoveField:
		delete(record, step.FieldName)

		return "", nil

	case ActionRenameField:
		newName, err := paramString(step.Params, "new_name")
		if err != nil {
			return "", err
		}

		if value, exists := record[step.FieldName]; exists {
			record[newName] = value

			delete(record, step.FieldName)
		}

		return "", nil

	case ActionChangeType:
		return applyChangeType(record, step)

	case ActionSetDefault:
		if value, exists := record[step.FieldName]; !exists || value == nil {
			record[step.FieldName] = step.Params["default"]
		}

		return "", nil

	case ActionSetRequired:
		if value, exists := record[step.FieldName]; !exists || value == nil {
			record[step.FieldName] = step.Params["default"]
		}

		return "", nil

	case ActionSetNullable, ActionAddConstraint, ActionRemoveConstraint:
		// Schema-level bookkeeping; record data is untouched.
		return "", nil

	case ActionMergeFields:
		return "", applyMergeFields(record, step)

	case ActionSplitField:
		return "", applySplitField(record, step)

	default:
		return "", fmt.Errorf("unknown migration action %q", step.Action)
	}
}

func applyChangeType(record map[string]any, step MigrationStep) (string, error) {
	fromType, err := paramString(step.Params, "from_type")
	if err != nil {
		return "", err
	}

	toType, err := paramString(step.Params, "to_type")
	if err != nil {
		return "", err
	}

	conv, err := Converter(FieldType(fromType), FieldType(toType))
	if err != nil {
		return "", err
	}

	value, exists := record[step.FieldName]
	if !exists || value == nil {
		return "", nil
	}

	converted, err := conv(value)
	if err != nil {
		record[step.FieldName] = nil

		return fmt.Sprintf("field %q set to null: %v", step.FieldName, err), nil
	}

	record[step.FieldName] = converted

	return "", nil
}

func applyMergeFields(record map[string]any, step MigrationStep) error {
	sources, err := paramStringSlice(step.Params, "source_fields")
	if err != nil {
		return err
	}

	separator := paramStringOr(step.Params, "separator", " ")

	parts := make([]string, 0, len(sources))

	for _, source := range sources {
		value, exists := record[source]
		if !exists || value == nil {
			continue
		}

		text := fmt.Sprint(value)
		if text == "" {
			continue
		}

		parts = append(parts, text)
	}

	record[step.FieldName] = strings.Join(parts, separator)

	if paramBool(step.Params, "remove_sources") {
		for _, source := range sources {
			if source != step.FieldName {
				delete(record, source)
			}
		}
	}

	return nil
}

func applySplitField(record map[string]any, step MigrationStep) error {
	targets, err := paramStringSlice(step.Params, "target_fields")
	if err != nil {
		return err
	}

	separator := paramStringOr(step.Params, "separator", " ")

	value, exists := record[step.FieldName]
	if !exists || value == nil {
		return nil
	}

	text, ok := value.(string)
	if !ok {
		return fmt.Errorf("cannot split non-string field %q (%T)", step.FieldName, value)
	}

	parts := strings.Split(text, separator)

	for i, target := range targets {
		if i < len(parts) {
			record[target] = strings.TrimSpace(parts[i])
		} else {
			record[target] = ""
		}
	}

	if paramBool(step.Params, "remove_source") {
		remove := true

		for _, target := range targets {
			if target == step.FieldName {
				remove = false
			}
		}

		if remove {
			delete(record, step.FieldName)
		}
	}

	return nil
}

// BatchMigrate applies the plan to every record. The error policy decides
// what a record-level failure does: skip moves on, fail aborts the batch,
// null nulls the offending field and keeps the record.
func (e *Evolution) BatchMigrate(plan *MigrationPlan, records []map[string]any, onError OnError) *BatchResult {
	started := e.now()

	result := &BatchResult{
		Total:   len(records),
		Errors:  make([]BatchError, 0),
		Records: make([]map[string]any, 0, len(records)),
	}

	for i, record := range records {
		migrated, _, err := e.apply(plan, record, onError == OnErrorNull)
		if err != nil {
			result.Errors = append(result.Errors, BatchError{Index: i, Message: err.Error()})

			if onError == OnErrorFail {
				result.FailedCount++
				result.Success = false
				result.DurationMillis = e.now().Sub(started).Milliseconds()

				return result
			}

			result.SkippedCount++

			continue
		}

		result.MigratedCount++
		result.Records = append(result.Records, migrated)
	}

	result.Success = len(result.Errors) == 0
	result.DurationMillis = e.now().Sub(started).Milliseconds()

	return result
}

// RollbackPlan builds the inverse plan: each reversible step's reverse
// action, in reverse order. Irreversible steps contribute nothing; callers
// should check BreakingChanges on the original plan before relying on a
// rollback to restore data.
func (e *Evolution) RollbackPlan(plan *MigrationPlan) *MigrationPlan {
	rollback := &MigrationPlan{
		SourceID:    plan.SourceID,
		FromVersion: plan.ToVersion,
		ToVersion:   plan.FromVersion,
		Steps:       make([]MigrationStep, 0, len(plan.Steps)),
		CreatedAt:   e.now().UTC(),
	}

	for i := len(plan.Steps) - 1; i >= 0; i-- {
		step := plan.Steps[i]
		if !step.Reversible || step.Reverse == nil {
			continue
		}

		reverse := *step.Reverse
		reverse.Reversible = true
		reverse.Reverse = &MigrationStep{
			Action:    step.Action,
			FieldName: step.FieldName,
			Params:    step.Params,
		}

		rollback.Steps = append(rollback.Steps, reverse)
	}

	for _, step := range rollback.Steps {
		switch step.Action {
		case ActionAddField:
			rollback.RequiresBackfill = true
		case ActionChangeType:
			rollback.RequiresBackfill = true
			rollback.BreakingChanges = true
		case ActionRemoveField:
			rollback.BreakingChanges = true
		}
	}

	return rollback
}

// EstimateImpact dry-runs the plan's type conversions against sample records
// and assesses the risk of applying it.
//
// Risk grading: high when data would be lost (field removals) or more than
// 10% of sampled conversions fail; medium when the plan needs a backfill or
// any conversion fails; low otherwise.
func (e *Evolution) EstimateImpact(plan *MigrationPlan, sample []map[string]any) *ImpactEstimate {
	estimate := &ImpactEstimate{
		TotalRecords:   len(sample),
		FieldImpacts:   make(map[string]FieldImpact),
		DataLossFields: make([]string, 0),
		RiskLevel:      "low",
	}

	lossFields := make(map[string]struct{})

	for _, step := range plan.Steps {
		switch step.Action {
		case ActionRemoveField:
			lossFields[step.FieldName] = struct{}{}

		case ActionMergeFields:
			if paramBool(step.Params, "remove_sources") {
				if sources, err := paramStringSlice(step.Params, "source_fields"); err == nil {
					for _, source := range sources {
						lossFields[source] = struct{}{}
					}
				}
			}

		case ActionSplitField:
			if paramBool(step.Params, "remove_source") {
				lossFields[step.FieldName] = struct{}{}
			}

		case ActionChangeType:
			impact := estimateConversion(step, sample)
			estimate.FieldImpacts[step.FieldName] = impact
		}
	}

	for field := range lossFields {
		estimate.DataLossFields = append(estimate.DataLossFields, field)
	}

	sort.Strings(estimate.DataLossFields)

	maxFailureRate := 0.0
	anyFailure := false

	for _, impact := range estimate.FieldImpacts {
		if impact.Failed > 0 {
			anyFailure = true
		}

		if impact.FailureRate > maxFailureRate {
			maxFailureRate = impact.FailureRate
		}
	}

	switch {
	case len(estimate.DataLossFields) > 0 || maxFailureRate >= 0.1:
		estimate.RiskLevel = "high"
	case plan.RequiresBackfill || anyFailure:
		estimate.RiskLevel = "medium"
	}

	return estimate
}

func estimateConversion(step MigrationStep, sample []map[string]any) FieldImpact {
	impact := FieldImpact{}

	fromType, err := paramString(step.Params, "from_type")
	if err != nil {
		return impact
	}

	toType, err := paramString(step.Params, "to_type")
	if err != nil {
		return impact
	}

	conv, err := Converter(FieldType(fromType), FieldType(toType))
	if err != nil {
		// No converter means every present value would be nulled.
		for _, record := range sample {
			if value, exists := record[step.FieldName]; exists && value != nil {
				impact.Attempted++
				impact.Failed++
			}
		}
	} else {
		for _, record := range sample {
			value, exists := record[step.FieldName]
			if !exists || value == nil {
				continue
			}

			impact.Attempted++

			if _, err := conv(value); err != nil {
				impact.Failed++
			}
		}
	}

	if impact.Attempted > 0 {
		impact.FailureRate = float64(impact.Failed) / float64(impact.Attempted)
	}

	return impact
}

// paramString extracts a required string parameter.
func paramString(params map[string]any, key string) (string, error) {
	value, exists := params[key]
	if !exists {
		return "", fmt.Errorf("missing step parameter %q", key)
	}

	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("step parameter %q is %T, want string", key, value)
	}

	return s, nil
}

func paramStringOr(params map[string]any, key, fallback string) string {
	if s, err := paramString(params, key); err == nil {
		return s
	}

	return fallback
}

// paramStringSlice tolerates both []string and the []any that BSON
// round-trips produce.
func paramStringSlice(params map[string]any, key string) ([]string, error) {
	value, exists := params[key]
	if !exists {
		return nil, fmt.Errorf("missing step parameter %q", key)
	}

	switch v := value.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))

		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("step parameter %q contains %T, want string", key, item)
			}

			out = append(out, s)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("step parameter %q is %T, want string list", key, value)
	}
}

func paramBool(params map[string]any, key string) bool {
	b, ok := params[key].(bool)

	return ok && b
}
