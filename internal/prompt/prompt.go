// Package prompt provides the stdin prompts used by the wallet setup
// and unlock flows.
package prompt

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

// promptList prompts the user with the given prefix, list of valid responses,
// and default list entry to use.  The function will repeat the prompt to the
// user until they enter a valid response.
func promptList(reader *bufio.Reader, prefix string, validResponses []string, defaultEntry string) (string, error) {
	// Setup the prompt according to the parameters.
	validStrings := strings.Join(validResponses, "/")
	var prompt string
	if defaultEntry != "" {
		prompt = fmt.Sprintf("%s (%s) [%s]: ", prefix, validStrings,
			defaultEntry)
	} else {
		prompt = fmt.Sprintf("%s (%s): ", prefix, validStrings)
	}

	// Prompt the user until one of the valid responses is given.
	for {
		fmt.Print(prompt)
		reply, err := reader.ReadString('\n')
		if err != nil {
			return "", err
		}
		reply = strings.TrimSpace(strings.ToLower(reply))
		if reply == "" {
			reply = defaultEntry
		}

		for _, validResponse := range validResponses {
			if reply == validResponse {
				return reply, nil
			}
		}
	}
}

// promptListBool prompts the user for a boolean (yes/no) with the given prefix.
// The function will repeat the prompt to the user until they enter a valid
// reponse.
func promptListBool(reader *bufio.Reader, prefix string, defaultEntry string) (bool, error) {
	// Setup the valid responses.
	valid := []string{"n", "no", "y", "yes"}
	response, err := promptList(reader, prefix, valid, defaultEntry)
	if err != nil {
		return false, err
	}
	return response == "yes" || response == "y", nil
}

// readMnemonic reads one line from the reader and normalizes it into the
// canonical single-space separated mnemonic form.
func readMnemonic(reader *bufio.Reader) (string, error) {
	line, err := reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	words := strings.Fields(strings.ToLower(line))
	return strings.Join(words, " "), nil
}

// Mnemonic prompts the user whether they want to use an existing wallet
// generation mnemonic.  When the user answers no, a mnemonic will be
// generated and displayed to the user along with prompting them for
// confirmation.  When the user answers yes, the user is prompted for it.
// All prompts are repeated until the user enters a valid response.
func Mnemonic(reader *bufio.Reader) (string, error) {
	// Ascertain the wallet generation mnemonic.
	useUserMnemonic, err := promptListBool(reader, "Do you have an "+
		"existing wallet mnemonic you want to use?", "no")
	if err != nil {
		return "", err
	}
	if !useUserMnemonic {
		entropy, err := bip39.NewEntropy(256)
		if err != nil {
			return "", err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return "", err
		}

		fmt.Println("Your wallet generation mnemonic is:")
		fmt.Printf("%v\n", mnemonic)
		fmt.Println("IMPORTANT: Keep the mnemonic in a safe place as you\n" +
			"will NOT be able to restore your wallet without it.")
		fmt.Println("Please keep in mind that anyone who has access\n" +
			"to the mnemonic can also restore your wallet thereby\n" +
			"giving them access to all your funds, so it is\n" +
			"imperative that you keep it in a secure location.")

		for {
			fmt.Print(`Once you have stored the mnemonic in a safe ` +
				`and secure location, enter "OK" to continue: `)
			confirm, err := reader.ReadString('\n')
			if err != nil {
				return "", err
			}
			confirm = strings.TrimSpace(confirm)
			confirm = strings.Trim(confirm, `"`)
			if confirm == "OK" {
				break
			}
		}
		return mnemonic, nil
	}

	for {
		fmt.Print("Enter existing wallet mnemonic: ")
		mnemonic, err := readMnemonic(reader)
		if err != nil {
			return "", err
		}
		if !bip39.IsMnemonicValid(mnemonic) {
			fmt.Println("Invalid mnemonic specified")
			continue
		}
		return mnemonic, nil
	}
}

// Unlock prompts for the mnemonic of an already created wallet.  The
// prompt is repeated until a well formed mnemonic is entered.
func Unlock(reader *bufio.Reader) (string, error) {
	for {
		fmt.Print("Enter the wallet mnemonic to unlock: ")
		mnemonic, err := readMnemonic(reader)
		if err != nil {
			return "", err
		}
		if !bip39.IsMnemonicValid(mnemonic) {
			fmt.Println("Invalid mnemonic specified")
			continue
		}
		return mnemonic, nil
	}
}
