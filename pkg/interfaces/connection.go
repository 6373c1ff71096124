package interfaces

// Connection represents one live client transport owned by a single user
// ARCHITECTURAL DISCOVERY: Pure abstraction without implementation details
// keeps the registry, router and hub testable with in-memory fakes
type Connection interface {
	// GetID returns the server-assigned connection ID.
	// FUNCTIONAL DISCOVERY: A user may hold several connections at once, so
	// the user ID alone cannot identify a transport
	GetID() string

	// GetUserID returns the authenticated user's ID
	GetUserID() string

	// WriteJSON queues a JSON message for the client (thread-safe)
	// FUNCTIONAL DISCOVERY: Thread-safety requirement documented in interface
	// to ensure all implementations use single-writer pattern to prevent races
	WriteJSON(v interface{}) error

	// Close closes the connection and cleans up resources
	Close() error

	// IsAuthenticated returns true once credentials have been set
	IsAuthenticated() bool

	// SetCredentials binds the connection to a verified user ID
	// TECHNICAL DISCOVERY: Separate authentication step allows WebSocket
	// upgrade before the identity is attached
	SetCredentials(userID string) error
}
