package serializer

// IRPCSerializer is the interface for the document codec used by the protocol engine.
// It encodes frames as well as call parameters and results. The encoded form must
// be UTF-8 text since it is embedded in the tagged frame body.
type IRPCSerializer interface {
	// Name returns the name of the serializer (e.g. "json")
	Name() string
	// Serialize encodes a value into its document form
	Serialize(v any) ([]byte, error)
	// Deserialize decodes a document into the value pointed to by v
	Deserialize(b []byte, v any) error
	// Convert coerces an opaque value received over the wire into the value
	// pointed to by target. Structured values are decoded directly, scalars
	// are converted on a best-effort basis (e.g. "42" into an int).
	Convert(raw []byte, target any) error
}
