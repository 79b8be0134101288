// Package approvalengine implements the multi-party approval workflow inside
// the collaboration context.
//
// A proposing organization opens a vote, the voting organizations reply
// through their own nodes, the counter tallies the replies and broadcasts the
// decision, and every node then applies the decided action locally exactly
// once. Node-to-node traffic flows through an outbox relay and a deduplicating
// inbox consumer; storage and actuators sit behind ports.
package approvalengine
