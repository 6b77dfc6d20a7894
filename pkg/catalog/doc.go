// Package catalog loads the plan catalog from YAML and seeds it into the
// ledger.
//
//	plans:
//	  - code: pro
//	    name: Pro
//	    price: "200.00"
//	    currency: USD
//	    interval: month
//	    limits:
//	      seats: 25
//
// Plans are immutable once stored: new codes are inserted, identical
// entries are left alone, and a file that changes the price, currency or
// interval of an existing code is rejected as a whole.
package catalog
