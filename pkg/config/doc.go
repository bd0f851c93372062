/*
Package config loads layered controller settings.

Precedence, lowest to highest: built-in defaults, the optional YAML
config file, PUREBOOT_* environment variables. The resulting Settings
value is validated once and treated as immutable for the process
lifetime.
*/
package config
