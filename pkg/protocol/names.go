package protocol

// Message names used by the engine.
const (
	MsgClientHandshake  = "p7.handshake.client_handshake"
	MsgServerHandshake  = "p7.handshake.server_handshake"
	MsgHandshakeAck     = "p7.handshake.acknowledge"
	MsgClientKey        = "p7.encryption.client_key"
	MsgServerKey        = "p7.encryption.server_key"
	MsgEncryptionAck    = "p7.encryption.acknowledge"
	MsgClientInfo       = "wired.client_info"
	MsgServerInfo       = "wired.server_info"
	MsgSendLogin        = "wired.send_login"
	MsgLogin            = "wired.login"
	MsgOkay             = "wired.okay"
	MsgError            = "wired.error"
	MsgSetNick          = "wired.user.set_nick"
	MsgSetStatus        = "wired.user.set_status"
	MsgSetIcon          = "wired.user.set_icon"
	MsgJoinChat         = "wired.chat.join_chat"
	MsgChatUserList     = "wired.chat.user_list"
	MsgChatUser         = "wired.chat.user"
	MsgChatUserListDone = "wired.chat.user_list.done"
	MsgSendSay          = "wired.chat.send_say"
	MsgSay              = "wired.chat.say"
	MsgSendPing         = "wired.send_ping"
	MsgPing             = "wired.ping"
	MsgListDirectory    = "wired.file.list_directory"
	MsgFileList         = "wired.file.file_list"
	MsgFileListDone     = "wired.file.file_list.done"
	MsgDownloadFile     = "wired.transfer.download_file"
	MsgTransferQueue    = "wired.transfer.queue"
	MsgDownload         = "wired.transfer.download"
	MsgUploadFile       = "wired.transfer.upload_file"
	MsgUploadReady      = "wired.transfer.upload_ready"
	MsgUpload           = "wired.transfer.upload"
)

// Field names used by the engine.
const (
	FieldHandshakeVersion    = "p7.handshake.version"
	FieldProtocolName        = "p7.handshake.protocol.name"
	FieldProtocolVersion     = "p7.handshake.protocol.version"
	FieldEncryption          = "p7.handshake.encryption"
	FieldCompression         = "p7.handshake.compression"
	FieldSelectedEncryption  = "p7.handshake.selected_encryption"
	FieldSelectedCompression = "p7.handshake.selected_compression"
	FieldPublicKey           = "p7.encryption.public_key"
	FieldApplicationName     = "wired.info.application.name"
	FieldApplicationVersion  = "wired.info.application.version"
	FieldApplicationBuild    = "wired.info.application.build"
	FieldOSName              = "wired.info.os.name"
	FieldOSVersion           = "wired.info.os.version"
	FieldArch                = "wired.info.arch"
	FieldSupportsRsrc        = "wired.info.supports_rsrc"
	FieldServerName          = "wired.info.name"
	FieldServerDescription   = "wired.info.description"
	FieldStartTime           = "wired.info.start_time"
	FieldFilesCount          = "wired.info.files.count"
	FieldFilesSize           = "wired.info.files.size"
	FieldUserID              = "wired.user.id"
	FieldUserLogin           = "wired.user.login"
	FieldUserPassword        = "wired.user.password"
	FieldUserNick            = "wired.user.nick"
	FieldUserStatus          = "wired.user.status"
	FieldUserIcon            = "wired.user.icon"
	FieldUserIdle            = "wired.user.idle"
	FieldChatID              = "wired.chat.id"
	FieldChatSay             = "wired.chat.say"
	FieldChatUsers           = "wired.chat.users"
	FieldErrorCode           = "wired.error"
	FieldErrorString         = "wired.error.string"
	FieldFilePath            = "wired.file.path"
	FieldFileType            = "wired.file.type"
	FieldFileDataSize        = "wired.file.data_size"
	FieldFileRecursive       = "wired.file.recursive"
	FieldTransferDataOffset  = "wired.transfer.data_offset"
	FieldTransferDataSize    = "wired.transfer.data_size"
	FieldTransferQueuePos    = "wired.transfer.queue_position"
)

// File types carried in FieldFileType.
const (
	FileTypeFile      uint8 = 0
	FileTypeDirectory uint8 = 1
)
