package main

// Wire byte-codes for the reliable TCP/UDP application protocol (§3,
// §4.5, §4.6), named here instead of left as the scattered character
// literals the original used inline in GParser.cpp/VehicleData.cpp.
const (
	codeHandshakeID   byte = 'P' // assign/ack player id, triggers sync
	codePlayerListReq byte = 'p' // request a refreshed "Ss" player list
	codeVehicle       byte = 'O' // vehicle sub-protocol, see vehicleCode*
	codeEvent         byte = 'J' // generic forwarded event
	codeChat          byte = 'C' // chat message
	codeCustomEvent   byte = 'E' // named custom event ("E:<name>:<arg>")
)

// Vehicle sub-protocol codes, the second byte of an "O<code>:..." packet.
const (
	vehicleCodeSpawn     byte = 's'
	vehicleCodeEdit      byte = 'c'
	vehicleCodeDelete    byte = 'd'
	vehicleCodeReset     byte = 'r'
	vehicleCodeTransform byte = 't'
)

// vToZLow and vToZHigh bound the high-frequency vehicle telemetry range
// (position/input updates) that the dispatcher counts toward the PPS
// gauge and forwards unreliably without further parsing.
const (
	vToZLow  byte = 'V'
	vToZHigh byte = 'Z'
)

// Resource transfer sub-protocol (§4.9), carried over the same reliable
// TCP stream after the handshake and before the session syncs, grounded on
// original_source/src/Network/Sync.cpp's Parse/SendFile.
const (
	resourceCodeFileRequest byte = 'f' // "f<path>" — request one file by path
	resourceCodeManifest    byte = 'S' // "SR" — request the mod manifest
)

// resourceManifestSubcode is the second byte of a manifest request.
const resourceManifestSubcode byte = 'R'

// resourceAccept/resourceDeny are the single-token replies to a file
// request, before the file itself (or an error) follows.
const (
	resourceAccept = "AG"
	resourceDeny   = "CO"
)

// resourceSyncDone is the sentinel the client sends to end the resource
// sync phase and move into the regular dispatch loop.
const resourceSyncDone = "Done"
