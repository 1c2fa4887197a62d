// Package cleanup implements the distributed cleanup protocol engine:
// the node-side sweeper that purges local directories once a volume's
// coordination record enters cleanup-pending, the controller-side
// completer that detects convergence (or forces it at the deadline) and
// releases the PersistentVolume finalizer, the registrar that places
// that finalizer once the external-provisioner creates the PV, and the
// startup reconciliation pass both roles run to reap orphans a crash
// may have left behind.
package cleanup
