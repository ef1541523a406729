package database

import "errors"

// ErrNoSession means the app has not been installed on the shop, or was uninstalled.
var ErrNoSession = errors.New("no session for shop")
