// Package usbid resolves USB vendor and product IDs to names using the
// usb.ids database shipped by most Linux distributions.
//
//	db, err := usbid.Open()
//	if err == nil {
//		fmt.Println(db.Describe(0x1209, 0x4d53))
//	}
//
// [Open] tries [DefaultPaths] in order; [Parse] reads any io.Reader in the
// same format. A Database is immutable after parsing and safe for
// concurrent lookups.
package usbid
