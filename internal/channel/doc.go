// Package channel defines the contract between switchboard and its chat channels.
//
// Two channel kinds exist: the customer channel and the attendant channel.
// Every address is tagged with its kind, so the router and orchestrator never
// infer the channel from the call site:
//
//	channel.Customer("5511999990000")
//	channel.Attendant("!dm-room:example.org")
//
// Outbound traffic goes through a Gateway per kind, collected in Gateways.
// Inbound traffic is normalized into an Event and handed to a Handler.
//
// Implementations live in the whatsapp (customer) and matrix (attendant)
// subpackages. Recorder is an in-memory Gateway.
package channel
