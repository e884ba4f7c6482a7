package engine

// SceneKind is the only manifest kind the runtime accepts.
const SceneKind = "scene"

// Domain classifies what a scene acts upon.
type Domain string

const (
	// DomainERP is a generic-business scene driving an ERP system.
	DomainERP Domain = "erp"

	// DomainRobot is a physical scene driving robotic equipment.
	DomainRobot Domain = "robot"

	// DomainHybrid mixes business and physical actions in one scene.
	DomainHybrid Domain = "hybrid"
)

// IsPhysical returns true for domains that move real-world equipment.
func (d Domain) IsPhysical() bool {
	return d == DomainRobot || d == DomainHybrid
}

// RiskLevel is the governance risk classification of a scene.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// IsElevated returns true for high and critical risk.
func (r RiskLevel) IsElevated() bool {
	return r == RiskHigh || r == RiskCritical
}

// Scene is a parsed scene manifest. It is read-only once loaded.
type Scene struct {
	// APIVersion is the manifest schema version, e.g. "scene.dev/v0.2".
	APIVersion string `yaml:"apiVersion" json:"apiVersion" validate:"required"`

	// Kind must be "scene".
	Kind string `yaml:"kind" json:"kind" validate:"required,eq=scene"`

	// Metadata identifies the scene.
	Metadata SceneMetadata `yaml:"metadata" json:"metadata"`

	// Spec holds the behavioural contract.
	Spec SceneSpec `yaml:"spec" json:"spec"`
}

// Ref returns the stable object id of the scene.
func (s *Scene) Ref() string {
	return s.Metadata.ObjID
}

// Version returns the semantic version of the scene.
func (s *Scene) Version() string {
	return s.Metadata.ObjVersion
}

// SceneMetadata identifies a scene.
type SceneMetadata struct {
	// ObjID is the stable object identifier.
	ObjID string `yaml:"obj_id" json:"obj_id" validate:"required"`

	// ObjVersion is a semantic version string.
	ObjVersion string `yaml:"obj_version" json:"obj_version" validate:"required"`

	// Title is a human-readable title.
	Title string `yaml:"title,omitempty" json:"title,omitempty"`
}

// SceneSpec is the behavioural body of a scene manifest.
type SceneSpec struct {
	// Domain classifies the scene.
	Domain Domain `yaml:"domain" json:"domain" validate:"required,oneof=erp robot hybrid"`

	// Intent describes what the scene is for.
	Intent Intent `yaml:"intent" json:"intent"`

	// ModelScope lists the entities the scene reads and writes.
	ModelScope ModelScope `yaml:"model_scope" json:"model_scope"`

	// CapabilityContract lists the bindings in execution order.
	CapabilityContract CapabilityContract `yaml:"capability_contract" json:"capability_contract"`

	// GovernanceContract carries risk, approval and idempotency settings.
	GovernanceContract GovernanceContract `yaml:"governance_contract" json:"governance_contract"`
}

// Intent describes the goal of a scene.
type Intent struct {
	Goal string `yaml:"goal" json:"goal" validate:"required"`
}

// ModelScope lists read and write entity scopes. The two lists must be disjoint.
type ModelScope struct {
	Read  []string `yaml:"read,omitempty" json:"read,omitempty"`
	Write []string `yaml:"write,omitempty" json:"write,omitempty"`
}

// CapabilityContract holds the ordered binding declarations.
type CapabilityContract struct {
	Bindings []Binding `yaml:"bindings" json:"bindings" validate:"required,min=1,dive"`
}

// GovernanceContract carries the run governance of a scene.
type GovernanceContract struct {
	// RiskLevel is the risk classification.
	RiskLevel RiskLevel `yaml:"risk_level" json:"risk_level" validate:"required,oneof=low medium high critical"`

	// Approval states whether commits need an explicit approval.
	Approval Approval `yaml:"approval" json:"approval"`

	// Idempotency names the key attached to side-effecting nodes.
	Idempotency Idempotency `yaml:"idempotency,omitempty" json:"idempotency,omitempty"`

	// DataLineage documents where data comes from and goes to.
	DataLineage *DataLineage `yaml:"data_lineage,omitempty" json:"data_lineage,omitempty"`
}

// Approval is the approval requirement of a scene.
type Approval struct {
	Required bool `yaml:"required" json:"required"`
}

// Idempotency configures idempotent side effects.
type Idempotency struct {
	Required bool   `yaml:"required,omitempty" json:"required,omitempty"`
	Key      string `yaml:"key,omitempty" json:"key,omitempty"`
}

// DataLineage is an informational record of data flow.
type DataLineage struct {
	Sources    []string `yaml:"sources,omitempty" json:"sources,omitempty"`
	Transforms []string `yaml:"transforms,omitempty" json:"transforms,omitempty"`
	Sinks      []string `yaml:"sinks,omitempty" json:"sinks,omitempty"`
}

// Binding declares one external capability invocation.
type Binding struct {
	// Ref is the namespaced reference, e.g. "moqui.Order.create".
	Ref string `yaml:"ref" json:"ref" validate:"required"`

	// Type is the binding type tag (query, mutation, service, script, adapter, ...).
	Type string `yaml:"type" json:"type" validate:"required"`

	// TimeoutMS bounds a single handler call. Zero means the runtime default.
	TimeoutMS int `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty" validate:"gte=0"`

	// Retry is the retry ceiling for retryable handler errors.
	Retry int `yaml:"retry,omitempty" json:"retry,omitempty" validate:"gte=0,lte=10"`

	// DependsOn is informational; execution order is declaration order.
	DependsOn []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`

	// SideEffect overrides side-effect classification when set.
	SideEffect *bool `yaml:"side_effect,omitempty" json:"side_effect,omitempty"`

	Intent         string   `yaml:"intent,omitempty" json:"intent,omitempty"`
	Preconditions  []string `yaml:"preconditions,omitempty" json:"preconditions,omitempty"`
	Postconditions []string `yaml:"postconditions,omitempty" json:"postconditions,omitempty"`

	// Compensation declares the rollback hook for this binding.
	Compensation *Compensation `yaml:"compensation,omitempty" json:"compensation,omitempty"`

	// Evidence declares which output fields are captured as evidence.
	Evidence *EvidenceSpec `yaml:"evidence,omitempty" json:"evidence,omitempty"`

	// OnFailure is the failure policy. Only "abort" is supported.
	OnFailure string `yaml:"on_failure,omitempty" json:"on_failure,omitempty" validate:"omitempty,oneof=abort"`
}

// CompensationStrategy names a compensation approach.
type CompensationStrategy string

const (
	CompensationNone       CompensationStrategy = "none"
	CompensationCompensate CompensationStrategy = "compensate"
)

// Compensation is a declared rollback hook. The runtime audits it but never runs it.
type Compensation struct {
	Strategy  CompensationStrategy `yaml:"strategy,omitempty" json:"strategy,omitempty" validate:"omitempty,oneof=none compensate"`
	ActionRef string               `yaml:"action_ref,omitempty" json:"action_ref,omitempty"`
}

// EvidenceSpec declares evidence capture for a binding.
type EvidenceSpec struct {
	Capture bool     `yaml:"capture,omitempty" json:"capture,omitempty"`
	Fields  []string `yaml:"fields,omitempty" json:"fields,omitempty"`
}
