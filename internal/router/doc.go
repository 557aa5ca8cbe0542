// Package router is the entry point for inbound channel events.
//
// Customer events go through registration until the customer is
// REGISTERED and then to the orchestrator. Attendant events register the
// attendant on first contact, then the first word is matched against the
// command vocabulary (FINISH_SERVICE, LIST_AVAILABLE_ATTENDANTS,
// TRANSFER_SERVICE <id>, REGISTER_CUSTOMER <cnpj>). A first word starting
// with "/" that is not in the vocabulary gets a "command unavailable" notice;
// anything else is relayed to the attendant's customer.
package router
