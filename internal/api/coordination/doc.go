// Package coordination contains the coordination record type: the
// cluster-wide, per-volume state shared between the controller and every
// node plugin instance that has ever materialized that volume.
package coordination
