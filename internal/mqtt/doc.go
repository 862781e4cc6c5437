// Package mqtt reports the plant collection to Home Assistant over
// MQTT. Sage shows up as a single HA device whose sensors count active
// plants, overdue and due-today care tasks, wishlist size, open
// conversations, and the day's assistant activity.
//
// Connection management uses Eclipse Paho v2's [autopaho]. On every
// (re-)connect the publisher sends retained discovery configs and an
// "online" birth message; a will message flips availability to
// "offline" if the process disappears.
package mqtt
