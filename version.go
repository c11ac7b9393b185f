package agentwire

// Version is the library version reported by the info endpoint.
const Version = "0.1.0"
