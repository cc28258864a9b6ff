package model

type Capability struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Kind        string           `json:"kind"`
	Property    string           `json:"property"`
	ValueType   string           `json:"value_type"`
	Access      CapabilityAccess `json:"access"`
	Description string           `json:"description,omitempty"`
	TrueValue   string           `json:"true_value,omitempty"`
	FalseValue  string           `json:"false_value,omitempty"`
}

type CapabilityAccess struct {
	Read  bool `json:"read"`
	Write bool `json:"write"`
	Event bool `json:"event"`
}

// SwitchCapability is the on/off capability shared by activities and device power.
func SwitchCapability(name string) Capability {
	return Capability{
		ID:         "on",
		Name:       name,
		Kind:       "binary",
		Property:   "on",
		ValueType:  "bool",
		Access:     CapabilityAccess{Read: true, Write: true},
		TrueValue:  "on",
		FalseValue: "off",
	}
}
