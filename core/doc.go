// Package core holds the error taxonomy shared by the memory engine packages.
//
// Errors fall into four classes that drive the propagation policy:
//   - Validation: rejected synchronously, never partially applied
//   - Invariant: programmer error, fatal to the operation, logged loudly
//   - Transient: collaborator I/O failure, retried in the background
//   - NotFound: explicit lookup miss; read paths return empty instead
package core
