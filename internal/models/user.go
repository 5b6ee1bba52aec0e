package models

import "time"

// User is owned by the profile-setup service; this engine only reads it.
type User struct {
	ID            string    `json:"userId"`
	Email         string    `json:"email"`
	WalletAddress string    `json:"walletAddress,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

func (u *User) HasWallet() bool {
	return u != nil && u.WalletAddress != ""
}
