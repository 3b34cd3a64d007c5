// Package fcm delivers push notifications to Android devices through the
// Firebase Cloud Messaging legacy HTTP API.
package fcm
