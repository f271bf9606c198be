package event

import (
	"encoding/json"
	"time"

	"github.com/invopop/jsonschema"
)

// Wire is the serialized form of an Event sent across transport boundaries.
type Wire struct {
	ID        string    `json:"id" jsonschema:"description=Globally unique event id"`
	Kind      Kind      `json:"kind"`
	Payload   Payload   `json:"payload" jsonschema:"description=Kind-specific fields"`
	CreatedAt time.Time `json:"created_at" jsonschema:"description=ISO-8601 creation time"`
}

// Wire returns the serializable form of e.
func (e Event) Wire() Wire {
	return Wire{ID: e.id, Kind: e.kind, Payload: e.Payload(), CreatedAt: e.createdAt}
}

func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Wire())
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event{id: w.ID, kind: w.Kind, payload: clonePayload(w.Payload), createdAt: w.CreatedAt}
	return nil
}

// JSONSchema describes Kind as its string form.
func (Kind) JSONSchema() *jsonschema.Schema {
	enum := make([]any, 0, len(kindNames))
	for _, k := range Kinds() {
		enum = append(enum, k.String())
	}
	return &jsonschema.Schema{
		Type:        "string",
		Enum:        enum,
		Description: "Event kind",
	}
}

// Schema returns the JSON Schema of the wire shape.
func Schema() *jsonschema.Schema {
	r := &jsonschema.Reflector{DoNotReference: true}
	return r.Reflect(&Wire{})
}
