package domain

import "reflect"

// AuthorizeViewModel carries what the consent prompt shows for an authorization request.
type AuthorizeViewModel struct {
	ApplicationName string `display:"Application"`
	Scope           string `display:"Scope"`
}

// LabeledValue is a single field of a view model paired with its display label.
type LabeledValue struct {
	Label string
	Value string
}

// Labeled returns the model's fields in declaration order with their display labels.
func (m AuthorizeViewModel) Labeled() []LabeledValue {
	return labeledFields(m)
}

func labeledFields(model any) []LabeledValue {
	v := reflect.ValueOf(model)
	t := v.Type()
	out := make([]LabeledValue, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		if !field.IsExported() || field.Type.Kind() != reflect.String {
			continue
		}
		label := field.Tag.Get("display")
		if label == "" {
			label = field.Name
		}
		out = append(out, LabeledValue{Label: label, Value: v.Field(i).String()})
	}
	return out
}
