package perun

// The Perun-side identity of every attribute the service touches. The
// ids, types and namespaces must match the attribute definitions inside
// Perun exactly, they are part of the payload when an attribute is set
// for the first time.

const perunTimeLayout = "2006-01-02 15:04:05.000000"

const (
	namespaceOpt              = "urn:perun:group:attribute-def:opt"
	namespaceDef              = "urn:perun:group:attribute-def:def"
	namespaceGroupResourceOpt = "urn:perun:group_resource:attribute-def:opt"
)

type attributeDef struct {
	id           int
	friendlyName string
	valueType    string
	namespace    string
}

func (d attributeDef) fullName() string {
	return d.namespace + ":" + d.friendlyName
}

var (
	// attrCreditsUsed holds the credits a project has consumed so far,
	// stored as a string so no precision is lost in transit. The friendly
	// name is historical, the attribute used to track remaining credits.
	attrCreditsUsed = attributeDef{
		id:           3382,
		friendlyName: "denbiCreditsCurrent",
		valueType:    "java.lang.String",
		namespace:    namespaceOpt,
	}

	// attrCreditsGranted is owned by the cloud portal. We read it, we
	// never write it.
	attrCreditsGranted = attributeDef{
		id:           3383,
		friendlyName: "denbiCreditsGranted",
		valueType:    "java.lang.String",
		namespace:    namespaceOpt,
	}

	// attrToEmail lists the addresses of the project maintainers.
	attrToEmail = attributeDef{
		id:           2020,
		friendlyName: "toEmail",
		valueType:    "java.util.ArrayList",
		namespace:    namespaceDef,
	}

	// attrTimestamps maps metric names to the timestamp of the last
	// measurement billed for that metric. Bound to a group and resource
	// combination, not to the group alone.
	attrTimestamps = attributeDef{
		id:           3386,
		friendlyName: "denbiCreditTimestamps",
		valueType:    "java.util.LinkedHashMap",
		namespace:    namespaceGroupResourceOpt,
	}
)

// Attribute is the wire form of a Perun attribute. Scalar values travel
// as strings, containers as JSON arrays or objects of strings.
type Attribute struct {
	ID           int    `json:"id"`
	FriendlyName string `json:"friendlyName"`
	Namespace    string `json:"namespace"`
	Type         string `json:"type"`
	Value        any    `json:"value"`
}

func (d attributeDef) wire(value any) Attribute {
	return Attribute{
		ID:           d.id,
		FriendlyName: d.friendlyName,
		Namespace:    d.namespace,
		Type:         d.valueType,
		Value:        value,
	}
}
