// Package registration runs the onboarding dialogue for new customers.
//
// The dialogue is a linear state machine:
//
//	FIRST_INTERACTION -> ASK_NAME -> ASK_IF_CUSTOMER -> [ASK_TAX_ID] -> REGISTERED
//
// ASK_TAX_ID is only visited when the customer answers "1" to the
// classification question. Each Advance call stores the answer for the
// current step, persists the next step and returns its prompt. REGISTERED is
// terminal; the router stops calling the stepper once Registered is true.
package registration
