// Package transport carries push-channel frames over gorilla websocket
// connections and maps remote close frames onto CloseError values.
package transport
