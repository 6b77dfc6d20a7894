// Package httputil provides HTTP helpers shared by the API handlers: JSON
// responses in one error shape, body decoding with validator tags, path and
// query parsing, and the request id, logging and recovery middleware.
//
// Errors are always written as
//
//	{"success": false, "message": "...", "code": "...", "details": {...}}
//
// Handlers decode bodies with
//
//	var req TopupRequest
//	if !httputil.DecodeAndValidate(w, r, &req) {
//		return
//	}
package httputil
