package rdap

import (
	"encoding/json"

	"github.com/registrydata/rdap-engine/pkg/client"
)

// Record is the canonical shape lookups are normalized to, independent of
// which registry produced the payload.
type Record struct {
	ObjectClass string   `json:"object_class"`
	Handle      string   `json:"handle,omitempty"`
	Name        string   `json:"name,omitempty"`
	Status      []string `json:"status,omitempty"`
	Events      []Event  `json:"events,omitempty"`
	Entities    []Entity `json:"entities,omitempty"`
	Redacted    bool     `json:"redacted,omitempty"`
}

// Event is a lifecycle event (registration, expiration, last changed).
type Event struct {
	Action string `json:"action"`
	Date   string `json:"date,omitempty"`
}

// Entity is a related party (registrant, registrar, abuse contact).
// Contact details are dropped entirely in redacted mode.
type Entity struct {
	Handle  string          `json:"handle,omitempty"`
	Roles   []string        `json:"roles,omitempty"`
	Contact json.RawMessage `json:"contact,omitempty"`
}

// rdapObject is the subset of the RDAP wire format the normalizer reads.
type rdapObject struct {
	ObjectClassName string `json:"objectClassName"`
	Handle          string `json:"handle"`
	LdhName         string `json:"ldhName"`
	Name            string `json:"name"`
	StartAddress    string `json:"startAddress"`
	Status          []string
	Events          []struct {
		EventAction string `json:"eventAction"`
		EventDate   string `json:"eventDate"`
	} `json:"events"`
	Entities []struct {
		Handle     string          `json:"handle"`
		Roles      []string        `json:"roles"`
		VcardArray json.RawMessage `json:"vcardArray"`
	} `json:"entities"`
}

// Normalizer maps RDAP payloads to Record. It implements
// client.Normalizer; rejection failures carry the data-invalid category.
type Normalizer struct{}

// NewNormalizer creates a normalizer.
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// Normalize implements client.Normalizer.
func (n *Normalizer) Normalize(raw []byte, req client.QueryRequest) (json.RawMessage, error) {
	var obj rdapObject
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &client.QueryError{
			Category: client.CategoryDataInvalid,
			Message:  "payload is not valid RDAP JSON",
			Err:      err,
		}
	}
	if obj.ObjectClassName == "" {
		return nil, &client.QueryError{
			Category: client.CategoryDataInvalid,
			Message:  "payload missing objectClassName",
		}
	}

	record := Record{
		ObjectClass: obj.ObjectClassName,
		Handle:      obj.Handle,
		Name:        pickName(obj),
		Status:      obj.Status,
		Redacted:    req.Redact,
	}

	for _, ev := range obj.Events {
		record.Events = append(record.Events, Event{
			Action: ev.EventAction,
			Date:   ev.EventDate,
		})
	}

	for _, ent := range obj.Entities {
		entity := Entity{Handle: ent.Handle, Roles: ent.Roles}
		if !req.Redact {
			entity.Contact = ent.VcardArray
		}
		record.Entities = append(record.Entities, entity)
	}

	out, err := json.Marshal(record)
	if err != nil {
		return nil, &client.QueryError{
			Category: client.CategoryDataInvalid,
			Message:  "normalized record could not be encoded",
			Err:      err,
		}
	}
	return out, nil
}

// pickName prefers the DNS LDH name, then the registry-assigned name, then
// the network start address for IP lookups.
func pickName(obj rdapObject) string {
	if obj.LdhName != "" {
		return obj.LdhName
	}
	if obj.Name != "" {
		return obj.Name
	}
	return obj.StartAddress
}
