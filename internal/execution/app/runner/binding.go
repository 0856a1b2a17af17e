package runner

import (
	"encoding/json"

	"github.com/relayflow-go/internal/domain/workflow"
	"github.com/relayflow-go/internal/executor/connector"
)

// ResolveBinding returns the value for field: the node's own config value if
// it is non-empty, otherwise the most recent prior output as text. With
// neither it fails with a ValidationError.
func ResolveBinding(field string, config map[string]interface{}, priorOutputs []interface{}) (interface{}, error) {
	if v, ok := config[field]; ok && connector.StringValue(v) != "" {
		return v, nil
	}
	if len(priorOutputs) > 0 {
		if text := scalar(priorOutputs[len(priorOutputs)-1]); text != "" {
			return text, nil
		}
	}
	return nil, workflow.NewRequiredFieldError("", field)
}

func scalar(v interface{}) string {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return ""
		}
		return string(b)
	default:
		return connector.StringValue(v)
	}
}

// bindConfig returns a copy of the node's config with bindable fields filled
// in. Required fields that cannot be bound must already be present.
func bindConfig(node workflow.Node, spec connector.FieldSpec, prior []interface{}) (map[string]interface{}, error) {
	config := make(map[string]interface{}, len(node.Config)+len(spec.Bindable))
	for k, v := range node.Config {
		config[k] = v
	}

	for _, field := range spec.Required {
		if spec.IsBindable(field) {
			continue
		}
		if connector.StringValue(config[field]) == "" {
			return nil, workflow.NewRequiredFieldError(node.ID, field)
		}
	}

	for _, field := range spec.Bindable {
		v, err := ResolveBinding(field, config, prior)
		if err != nil {
			if !isRequired(spec, field) {
				continue
			}
			return nil, workflow.NewRequiredFieldError(node.ID, field)
		}
		config[field] = v
	}
	return config, nil
}

func isRequired(spec connector.FieldSpec, field string) bool {
	for _, f := range spec.Required {
		if f == field {
			return true
		}
	}
	return false
}
