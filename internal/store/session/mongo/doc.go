// Package mongo provides a MongoDB-backed implementation of the agent runtime
// session store. Build the low-level client via
// internal/store/session/mongo/clients/mongo and pass it to NewStore so
// higher-level services can persist session metadata outside the core
// runtime.
package mongo
