package weaver

// KeyValuePair is a tuple, used in the value domain's map entries and in bulk
// cache operations to carry a key together with its value.
type KeyValuePair[TK any, TV any] struct {
	Key   TK `json:"key"`
	Value TV `json:"value"`
}
