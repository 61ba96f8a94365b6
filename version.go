package verto

// Version is the current version of the verto server
const Version = "1.0.0"
