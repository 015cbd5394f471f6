// Package contracts holds the ABI definitions of the deployed badge and coin
// contracts. Only the methods and events the gateways call are listed.
package contracts

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// BadgeABI describes the ERC-721 achievement badge contract.
const BadgeABI = `[
  {"type":"function","name":"issueBadge","stateMutability":"nonpayable",
   "inputs":[
     {"name":"student","type":"address"},
     {"name":"eventId","type":"uint256"},
     {"name":"eventName","type":"string"},
     {"name":"eventDate","type":"string"},
     {"name":"achievementType","type":"string"},
     {"name":"metadataURI","type":"string"}],
   "outputs":[{"name":"tokenId","type":"uint256"}]},
  {"type":"function","name":"getBadge","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[
     {"name":"eventId","type":"uint256"},
     {"name":"eventName","type":"string"},
     {"name":"eventDate","type":"string"},
     {"name":"achievementType","type":"string"},
     {"name":"metadataURI","type":"string"},
     {"name":"issuedAt","type":"uint256"},
     {"name":"issuer","type":"address"}]},
  {"type":"function","name":"tokenURI","stateMutability":"view",
   "inputs":[{"name":"tokenId","type":"uint256"}],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"totalMinted","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[
     {"name":"from","type":"address","indexed":true},
     {"name":"to","type":"address","indexed":true},
     {"name":"tokenId","type":"uint256","indexed":true}]},
  {"type":"event","name":"BadgeIssued","anonymous":false,
   "inputs":[
     {"name":"tokenId","type":"uint256","indexed":true},
     {"name":"student","type":"address","indexed":true},
     {"name":"eventId","type":"uint256","indexed":true},
     {"name":"achievementType","type":"string","indexed":false}]}
]`

// CoinABI describes the ERC-20 reward token with an owner-only mint.
const CoinABI = `[
  {"type":"function","name":"mint","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[]},
  {"type":"function","name":"transfer","stateMutability":"nonpayable",
   "inputs":[{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"transferFrom","stateMutability":"nonpayable",
   "inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"totalSupply","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"symbol","stateMutability":"view",
   "inputs":[],
   "outputs":[{"name":"","type":"string"}]},
  {"type":"event","name":"Transfer","anonymous":false,
   "inputs":[
     {"name":"from","type":"address","indexed":true},
     {"name":"to","type":"address","indexed":true},
     {"name":"value","type":"uint256","indexed":false}]}
]`

// ParseBadgeABI returns the parsed badge ABI.
func ParseBadgeABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(BadgeABI))
}

// ParseCoinABI returns the parsed coin ABI.
func ParseCoinABI() (abi.ABI, error) {
	return abi.JSON(strings.NewReader(CoinABI))
}
