// Package ota stages firmware images for over-the-air updates. An admin
// uploads a complete image with a sha256 digest; the server verifies it,
// announces the update to the target board, then serves the image back
// block by block as the board pulls it. An empty block marks the end of
// the image, and the board's next registration with the new-firmware flag
// closes the loop with a "Client online" notice to the admin.
package ota
