// Package telegram connects the service to Telegram: it verifies mini-app
// initData launch payloads and talks to the Bot API to post poll results and
// look up group chat administrators.
package telegram
