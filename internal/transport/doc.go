// Package transport defines the messaging contracts the runtime consumes:
// the message envelope, the fabric and receiver interfaces, the fault
// taxonomy and a retrying Sender. Concrete fabrics live in sub-packages.
package transport
