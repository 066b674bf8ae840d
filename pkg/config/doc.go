// Package config loads the press settings file.
//
// Settings are YAML. Every key has a default (see Default), so an empty file
// or no file at all yields a runnable configuration. Workers receive the
// loaded *Config by pointer and treat it as read-only.
package config
