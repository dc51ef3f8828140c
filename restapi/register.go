package restapi

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// HTTPVerb enumerates supported HTTP operations.
type HTTPVerb int

const (
	// Unknown represents an unspecified HTTP verb.
	Unknown HTTPVerb = iota
	// GET lists or retrieves resources.
	GET
	// GET_ONE retrieves a single resource.
	GET_ONE
	// DELETE removes resources.
	DELETE
	// POST creates resources.
	POST
	// PUT replaces resources.
	PUT
	// PATCH partially updates resources.
	PATCH
)

// RestMethod describes a REST route handler.
type RestMethod struct {
	Verb    HTTPVerb
	Path    string
	Handler func(c *gin.Context)
}

// methodRegistry collects a server's routes before the router is built,
// preventing duplicate registrations.
type methodRegistry struct {
	methods map[string]RestMethod
}

func newMethodRegistry() *methodRegistry {
	return &methodRegistry{methods: make(map[string]RestMethod)}
}

// register inserts a RestMethod, rejecting duplicates.
func (r *methodRegistry) register(verb HTTPVerb, path string, h func(c *gin.Context)) error {
	key := fmt.Sprintf("%d_%s", verb, path)
	if _, exists := r.methods[key]; exists {
		return fmt.Errorf("can't add %s, an existing handler in REST method map exists", key)
	}
	r.methods[key] = RestMethod{Verb: verb, Path: path, Handler: h}
	return nil
}
