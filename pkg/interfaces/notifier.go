package interfaces

// Notifier pushes server events to connected users.
// ARCHITECTURAL DISCOVERY: Stores depend on this narrow interface instead of
// the router so they can be tested with a recording fake.
// Every method is best-effort and returns the number of connections written to
type Notifier interface {
	// ToUser delivers to every connection of userID.
	ToUser(userID, event string, payload any) int
	// ToSession delivers to every participant of sessionID.
	ToSession(sessionID, event string, payload any) int
	// ToAll delivers to every live connection.
	ToAll(event string, payload any) int
	// ToAllExcept delivers to every live connection not owned by userID.
	ToAllExcept(userID, event string, payload any) int
}
