package registry

// Service is a long-running component owned by the service registry.
// Start must not block; Stop releases everything Start acquired.
type Service interface {
	Start() error
	Stop() error
}
