// Package scanner implements the Network Discovery Scanner (C10): sweeps
// a CIDR range with a bounded worker pool, and for every TCP-reachable
// address attempts a list of operator-supplied credential bundles in
// order until one opens an SSH session, then runs the Host Probe's fact
// collection over it. Grounded on
// other_examples/554c1055_jbouey-msp-flake__appliance-internal-daemon-linuxscan.go.go's
// bounded-fact-gathering idiom, reusing pkg/sshconn for the dial/auth
// attempt and pkg/probe for the facts once a bundle succeeds. Runs as a
// network-scan DeploymentTask so results stream into the task's
// progress/log, per spec.md §4.10's own wording.
package scanner
