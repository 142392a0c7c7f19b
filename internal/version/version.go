package version

// Version is the current version of influx-migrate.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "1.4.0"

// Name is the application name.
const Name = "influx-migrate"

// Description is a short description of the application.
const Description = "Checkpointed measurement migration between InfluxDB instances"
