package cortex

// sdkVersion is ModuleID, Major, Minor, Bugfix.
var sdkVersion = [4]byte{4, 1, 3, 1}

// SdkVersion reports the client library version. It needs no connection.
func SdkVersion() [4]byte {
	return sdkVersion
}
