// Package examftp implements the student side of the exam file-transfer
// protocol: an FTP-shaped, line-based control channel with passive-mode data
// connections, one session per student, and out-of-band pushes from the
// proctor.
//
// # Basic Usage
//
//	client, err := examftp.Dial("10.0.0.5:2121",
//	    examftp.WithIdleTimeout(2*time.Minute),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Quit()
//
//	if err := client.Login("20231234", "secret"); err != nil {
//	    if errors.Is(err, examftp.ErrAlreadyConnected) {
//	        log.Fatal("this student is already logged in elsewhere")
//	    }
//	    log.Fatal(err)
//	}
//
// # Pushes
//
// The server may send lines at any time: announcements, the exam countdown,
// the time-up notice and a shutdown notice. They are decoded and delivered on
// Pushes, separately from command replies:
//
//	go func() {
//	    for p := range client.Pushes() {
//	        switch p.Kind {
//	        case wire.PushSync:
//	            fmt.Println("remaining:", p.Seconds)
//	        case wire.PushTimeUp:
//	            fmt.Println("time is up")
//	        }
//	    }
//	}()
//
// # Transfers
//
// Question files are listed with List and downloaded with Retrieve. Answers
// are uploaded with Store. Both directions are only allowed while the exam is
// running; otherwise the error matches ErrExamNotStarted.
//
//	names, _ := client.List()
//	data, err := client.Retrieve(names[0])
//	...
//	err = client.StoreFile("cevap.pdf")
//
// # Error Handling
//
// Refused commands return a *ProtocolError carrying the command, the reply
// text and code. It unwraps to the package sentinels where the reply
// identifies one.
package examftp
